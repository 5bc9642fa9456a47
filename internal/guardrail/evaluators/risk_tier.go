package evaluators

import (
	"context"

	"github.com/triage-ai/langford/internal/guardrail"
)

// RiskTierEvaluator gates tools whose policy requires a prior explicit yes.
type RiskTierEvaluator struct{}

func NewRiskTierEvaluator() *RiskTierEvaluator {
	return &RiskTierEvaluator{}
}

func (e *RiskTierEvaluator) Name() string {
	return "risk_tier"
}

func (e *RiskTierEvaluator) Evaluate(_ context.Context, req *guardrail.EvalRequest) (*guardrail.EvalResult, error) {
	if req.Contract == nil {
		// Unregistered tool: the registry reports it back to the model.
		return &guardrail.EvalResult{Decision: guardrail.Approve(), Details: "unregistered tool"}, nil
	}
	if !req.Policy.ConfirmationRequired(req.Contract.SideEffect) {
		return &guardrail.EvalResult{Decision: guardrail.Approve()}, nil
	}

	switch req.Confirmed {
	case guardrail.ConfirmationGranted:
		return &guardrail.EvalResult{
			Decision:  guardrail.Approve(),
			Confirmed: true,
			Details:   "confirmed by user",
		}, nil
	case guardrail.ConfirmationDeclined, guardrail.ConfirmationExpired:
		return &guardrail.EvalResult{
			Decision: guardrail.Deny(guardrail.ReasonNotConfirmed),
			Details:  string(req.Confirmed),
		}, nil
	default:
		return &guardrail.EvalResult{
			Decision: guardrail.RequireConfirmation(),
			Details:  string(req.Contract.SideEffect) + " tool requires user confirmation",
		}, nil
	}
}
