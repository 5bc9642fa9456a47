package guardrail

import (
	"context"

	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/tool"
)

// Evaluator is one step of the authorization chain. Evaluators run in
// order and the first non-approving result decides.
type Evaluator interface {
	// Name returns the evaluator's unique identifier.
	Name() string

	// Evaluate inspects the request. Must respect ctx deadline.
	Evaluate(ctx context.Context, req *EvalRequest) (*EvalResult, error)
}

// EvalRequest contains all the context needed for evaluation.
type EvalRequest struct {
	Call      tool.CallRequest
	Contract  *tool.Contract // nil for unregistered tools
	Policy    policy.GuardrailPolicy
	SessionID string
	Confirmed ConfirmationState
}

// EvalResult is the outcome of a single evaluator run.
type EvalResult struct {
	Decision Decision
	// Confirmed is set when an approving result relied on a prior yes.
	Confirmed bool
	Details   string
}
