package evaluators

import (
	"context"
	"fmt"

	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/guardrail/ratelimit"
	"go.uber.org/zap"
)

// RateLimitEvaluator enforces the per-tool sliding window. It must run
// last so calls rejected for other reasons do not consume a slot.
type RateLimitEvaluator struct {
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

func NewRateLimitEvaluator(limiter ratelimit.Limiter, logger *zap.Logger) *RateLimitEvaluator {
	return &RateLimitEvaluator{limiter: limiter, logger: logger}
}

func (e *RateLimitEvaluator) Name() string {
	return "rate_limit"
}

func (e *RateLimitEvaluator) Evaluate(ctx context.Context, req *guardrail.EvalRequest) (*guardrail.EvalResult, error) {
	rl := req.Policy.RateLimit
	if req.Contract == nil || !rl.Enabled() {
		return &guardrail.EvalResult{Decision: guardrail.Approve()}, nil
	}

	ok, err := e.limiter.Reserve(ctx, req.Call.ToolName, rl.MaxCalls, rl.Window())
	if err != nil {
		e.logger.Error("rate limiter failed, denying call",
			zap.String("tool_name", req.Call.ToolName),
			zap.Error(err),
		)
		return &guardrail.EvalResult{
			Decision: guardrail.Deny(guardrail.ReasonLimiterUnavailable),
			Details:  err.Error(),
		}, nil
	}
	if !ok {
		return &guardrail.EvalResult{
			Decision: guardrail.Deny(guardrail.ReasonRateLimited),
			Details:  fmt.Sprintf("rate limit exceeded: %d calls per %ds window", rl.MaxCalls, rl.WindowSeconds),
		}, nil
	}
	return &guardrail.EvalResult{Decision: guardrail.Approve()}, nil
}

// Default returns the standard evaluator chain in authorization order.
func Default(limiter ratelimit.Limiter, logger *zap.Logger) []guardrail.Evaluator {
	return []guardrail.Evaluator{
		NewRiskTierEvaluator(),
		NewArgumentScanEvaluator(),
		NewRateLimitEvaluator(limiter, logger),
	}
}
