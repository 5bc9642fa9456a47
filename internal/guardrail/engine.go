package guardrail

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

// DefaultEvalTimeout is the max time the evaluator chain gets per call.
const DefaultEvalTimeout = 2 * time.Second

// ContractSource resolves tool contracts. *tool.Registry satisfies it.
type ContractSource interface {
	Lookup(name string) (tool.Contract, tool.Implementation, error)
}

// Engine authorizes proposed tool calls against the policy table and
// writes one audit record per decision.
type Engine struct {
	evaluators []Evaluator
	contracts  ContractSource
	policies   *policy.Table
	audit      audit.Writer
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Config wires the engine's shared state. Nothing here is global.
type Config struct {
	Evaluators  []Evaluator
	Contracts   ContractSource
	Policies    *policy.Table
	Audit       audit.Writer
	EvalTimeout time.Duration
	Logger      *zap.Logger
}

// NewEngine creates an engine with the given evaluator chain.
func NewEngine(cfg Config) *Engine {
	timeout := cfg.EvalTimeout
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		evaluators: cfg.Evaluators,
		contracts:  cfg.Contracts,
		policies:   policies,
		audit:      cfg.Audit,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// CascadeDenials reports whether a denied or unconfirmed call should deny
// the rest of its batch.
func (e *Engine) CascadeDenials() bool {
	return e.policies.CascadeDenials
}

// Authorize decides whether req may execute now. Exactly one audit record
// is appended before it returns.
func (e *Engine) Authorize(ctx context.Context, req tool.CallRequest, cc ConversationContext) Decision {
	decision, confirmed := e.evaluate(ctx, req, cc)
	e.record(req, cc, decision, confirmed)
	return decision
}

func (e *Engine) evaluate(ctx context.Context, req tool.CallRequest, cc ConversationContext) (Decision, bool) {
	if cc.BatchBlocked {
		return Deny(ReasonCascade), false
	}

	er := &EvalRequest{
		Call:      req,
		Policy:    e.policies.For(req.ToolName),
		SessionID: cc.SessionID,
		Confirmed: cc.Confirmations[req.ID],
	}
	if e.contracts != nil {
		c, _, err := e.contracts.Lookup(req.ToolName)
		var unk *tool.UnknownToolError
		switch {
		case err == nil:
			er.Contract = &c
		case !errors.As(err, &unk):
			e.logger.Warn("contract lookup failed", zap.String("tool_name", req.ToolName), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	confirmed := false
	for _, ev := range e.evaluators {
		res, err := ev.Evaluate(ctx, er)
		if err != nil {
			e.logger.Warn("evaluator error, denying call",
				zap.String("evaluator", ev.Name()),
				zap.String("tool_name", req.ToolName),
				zap.Error(err),
			)
			return Deny(ReasonEvaluatorFailed), false
		}
		if res == nil {
			continue
		}
		if res.Confirmed {
			confirmed = true
		}
		if !res.Decision.Approved() {
			e.logger.Debug("evaluator stopped call",
				zap.String("evaluator", ev.Name()),
				zap.String("tool_name", req.ToolName),
				zap.String("decision", string(res.Decision.Kind)),
				zap.String("details", res.Details),
			)
			return res.Decision, false
		}
	}
	return Approve(), confirmed
}

func (e *Engine) record(req tool.CallRequest, cc ConversationContext, d Decision, confirmed bool) {
	rec := &audit.Record{
		ID:        uuid.NewString(),
		SessionID: cc.SessionID,
		Request:   req,
		Reason:    d.Reason,
		Timestamp: e.now().UTC(),
	}
	switch d.Kind {
	case KindApproved:
		rec.Decision = audit.DecisionApproved
		if confirmed {
			rec.Decision = audit.DecisionConfirmed
		}
	case KindRequiresConfirmation:
		rec.Decision = audit.DecisionConfirmationRequired
	default:
		rec.Decision = audit.DecisionDenied
		res := tool.Denied(req, d.Reason)
		rec.Result = &res
	}
	if e.audit != nil {
		e.audit.Append(rec)
	}
}
