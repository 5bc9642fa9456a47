package evaluators

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

func request(name, args string, class tool.SideEffectClass, p policy.GuardrailPolicy) *guardrail.EvalRequest {
	return &guardrail.EvalRequest{
		Call:     tool.NewCallRequest(name, json.RawMessage(args), "t1"),
		Contract: &tool.Contract{Name: name, SideEffect: class},
		Policy:   p,
	}
}

func TestRiskTier_UnregisteredTool(t *testing.T) {
	e := NewRiskTierEvaluator()
	result, err := e.Evaluate(context.Background(), &guardrail.EvalRequest{
		Call: tool.NewCallRequest("unknown_tool", nil, "t1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Approved() {
		t.Fatalf("expected unregistered tool to pass through, got %+v", result.Decision)
	}
}

func TestRiskTier_DestructiveUnconfirmed(t *testing.T) {
	e := NewRiskTierEvaluator()
	result, err := e.Evaluate(context.Background(), request("calendar.delete_all", `{}`, tool.Destructive, policy.GuardrailPolicy{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.NeedsConfirmation() {
		t.Fatalf("expected confirmation, got %+v", result.Decision)
	}
}

func TestRiskTier_DestructiveConfirmed(t *testing.T) {
	e := NewRiskTierEvaluator()
	req := request("calendar.delete_all", `{}`, tool.Destructive, policy.GuardrailPolicy{})
	req.Confirmed = guardrail.ConfirmationGranted
	result, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Approved() || !result.Confirmed {
		t.Fatalf("expected confirmed approval, got %+v", result)
	}
}

func TestRiskTier_DestructiveConfirmationDisabled(t *testing.T) {
	e := NewRiskTierEvaluator()
	result, err := e.Evaluate(context.Background(), request("calendar.delete_all", `{}`, tool.Destructive,
		policy.GuardrailPolicy{RequiresConfirmation: policy.Bool(false)}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.NeedsConfirmation() {
		t.Fatalf("destructive tool must still need confirmation, got %+v", result.Decision)
	}
}

func TestArgumentScan_Disabled(t *testing.T) {
	e := NewArgumentScanEvaluator()
	result, err := e.Evaluate(context.Background(), request("web.fetch", `{"url":"http://x/$(rm -rf /)"}`, tool.ReadOnly, policy.GuardrailPolicy{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Approved() {
		t.Fatal("scan must not run unless the policy enables it")
	}
}

func TestArgumentScan_InjectionDetected(t *testing.T) {
	e := NewArgumentScanEvaluator()
	result, err := e.Evaluate(context.Background(), request("db.query",
		`{"query":"SELECT * FROM users WHERE id=1; DROP TABLE users"}`, tool.ReadOnly,
		policy.GuardrailPolicy{ScanArguments: true}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Denied() {
		t.Fatal("expected denial for injection in arguments")
	}
	if !strings.Contains(result.Details, "injection") {
		t.Fatalf("expected injection detail, got: %s", result.Details)
	}
}

func TestArgumentScan_MetadataEndpoint(t *testing.T) {
	e := NewArgumentScanEvaluator()
	result, err := e.Evaluate(context.Background(), request("web.fetch",
		`{"url":"http://169.254.169.254/latest/meta-data"}`, tool.ReadOnly,
		policy.GuardrailPolicy{ScanArguments: true}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Denied() {
		t.Fatal("expected denial for metadata endpoint")
	}
}

func TestArgumentScan_PIIDetected(t *testing.T) {
	e := NewArgumentScanEvaluator()
	result, err := e.Evaluate(context.Background(), request("email.send",
		`{"body":"My SSN is 123-45-6789"}`, tool.ReversibleWrite,
		policy.GuardrailPolicy{ScanPII: true}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Denied() || !strings.Contains(result.Details, "PII") {
		t.Fatalf("expected PII denial, got %+v", result)
	}
}

func TestArgumentScan_CleanArguments(t *testing.T) {
	e := NewArgumentScanEvaluator()
	result, err := e.Evaluate(context.Background(), request("calendar.create",
		`{"title":"Team sync","start":"2024-05-03T15:00:00"}`, tool.ReversibleWrite,
		policy.GuardrailPolicy{ScanArguments: true, ScanPII: true}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Approved() {
		t.Fatalf("expected approval, got: %s", result.Details)
	}
}

// stubLimiter is a test helper.
type stubLimiter struct {
	ok  bool
	err error
}

func (s stubLimiter) Reserve(context.Context, string, int, time.Duration) (bool, error) {
	return s.ok, s.err
}

func TestRateLimit_Exceeded(t *testing.T) {
	e := NewRateLimitEvaluator(stubLimiter{ok: false}, zap.NewNop())
	result, err := e.Evaluate(context.Background(), request("web.fetch", `{}`, tool.ReadOnly,
		policy.GuardrailPolicy{RateLimit: &policy.RateLimit{MaxCalls: 3, WindowSeconds: 60}}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Denied() || result.Decision.Reason != guardrail.ReasonRateLimited {
		t.Fatalf("expected rate limited, got %+v", result.Decision)
	}
}

func TestRateLimit_LimiterErrorFailsClosed(t *testing.T) {
	e := NewRateLimitEvaluator(stubLimiter{err: errors.New("redis down")}, zap.NewNop())
	result, err := e.Evaluate(context.Background(), request("web.fetch", `{}`, tool.ReadOnly,
		policy.GuardrailPolicy{RateLimit: &policy.RateLimit{MaxCalls: 3, WindowSeconds: 60}}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Denied() || result.Decision.Reason != guardrail.ReasonLimiterUnavailable {
		t.Fatalf("expected limiter unavailable denial, got %+v", result.Decision)
	}
}

func TestRateLimit_NoPolicy(t *testing.T) {
	e := NewRateLimitEvaluator(stubLimiter{ok: false}, zap.NewNop())
	result, err := e.Evaluate(context.Background(), request("web.fetch", `{}`, tool.ReadOnly, policy.GuardrailPolicy{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Approved() {
		t.Fatal("expected approval when no rate limit is configured")
	}
}
