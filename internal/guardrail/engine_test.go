package guardrail_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/guardrail/evaluators"
	"github.com/triage-ai/langford/internal/guardrail/ratelimit"
	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

func noop(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(tool.RegistryConfig{Logger: zap.NewNop()})
	for _, c := range []tool.Contract{
		{Name: "calendar.list_events", SideEffect: tool.ReadOnly},
		{Name: "calendar.create", SideEffect: tool.ReversibleWrite},
		{Name: "calendar.delete_all", SideEffect: tool.Destructive},
	} {
		if err := reg.Register(c, tool.Func(noop)); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func newEngine(t *testing.T, table *policy.Table, log audit.Writer) *guardrail.Engine {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return guardrail.NewEngine(guardrail.Config{
		Evaluators: evaluators.Default(ratelimit.NewMemoryLimiter(), logger),
		Contracts:  testRegistry(t),
		Policies:   table,
		Audit:      log,
		Logger:     logger,
	})
}

func call(name string) tool.CallRequest {
	return tool.NewCallRequest(name, json.RawMessage(`{}`), "turn-1")
}

func TestEngine_DestructiveNeverApprovedWithoutConfirmation(t *testing.T) {
	log := audit.NewMemoryLog()
	eng := newEngine(t, policy.NewTable(), log)

	d := eng.Authorize(context.Background(), call("calendar.delete_all"), guardrail.ConversationContext{SessionID: "s1"})
	if !d.NeedsConfirmation() {
		t.Fatalf("expected RequiresConfirmation, got %+v", d)
	}
	if got := log.Records()[0].Decision; got != audit.DecisionConfirmationRequired {
		t.Fatalf("expected confirmation_required audit, got %s", got)
	}
}

func TestEngine_PolicyCannotLiftDestructiveConfirmation(t *testing.T) {
	table := policy.NewTable()
	table.Tools["calendar.delete_all"] = policy.GuardrailPolicy{RequiresConfirmation: policy.Bool(false)}
	eng := newEngine(t, table, audit.NewMemoryLog())

	d := eng.Authorize(context.Background(), call("calendar.delete_all"), guardrail.ConversationContext{SessionID: "s1"})
	if d.Approved() {
		t.Fatalf("destructive tool approved without confirmation: %+v", d)
	}
	if !d.NeedsConfirmation() {
		t.Fatalf("expected RequiresConfirmation, got %+v", d)
	}
}

func TestEngine_ConfirmedDestructiveIsApproved(t *testing.T) {
	log := audit.NewMemoryLog()
	eng := newEngine(t, policy.NewTable(), log)
	req := call("calendar.delete_all")

	d := eng.Authorize(context.Background(), req, guardrail.ConversationContext{
		SessionID:     "s1",
		Confirmations: map[string]guardrail.ConfirmationState{req.ID: guardrail.ConfirmationGranted},
	})
	if !d.Approved() {
		t.Fatalf("expected Approved, got %+v", d)
	}
	if got := log.Records()[0].Decision; got != audit.DecisionConfirmed {
		t.Fatalf("expected confirmed audit, got %s", got)
	}
}

func TestEngine_ConfirmationOfOtherRequestDoesNotCount(t *testing.T) {
	eng := newEngine(t, policy.NewTable(), audit.NewMemoryLog())
	d := eng.Authorize(context.Background(), call("calendar.delete_all"), guardrail.ConversationContext{
		Confirmations: map[string]guardrail.ConfirmationState{"some-other-id": guardrail.ConfirmationGranted},
	})
	if !d.NeedsConfirmation() {
		t.Fatalf("expected RequiresConfirmation, got %+v", d)
	}
}

func TestEngine_DeclinedAndExpiredAreDenied(t *testing.T) {
	for _, state := range []guardrail.ConfirmationState{guardrail.ConfirmationDeclined, guardrail.ConfirmationExpired} {
		log := audit.NewMemoryLog()
		eng := newEngine(t, policy.NewTable(), log)
		req := call("calendar.delete_all")
		d := eng.Authorize(context.Background(), req, guardrail.ConversationContext{
			Confirmations: map[string]guardrail.ConfirmationState{req.ID: state},
		})
		if !d.Denied() || d.Reason != guardrail.ReasonNotConfirmed {
			t.Fatalf("%s: expected Denied(not confirmed), got %+v", state, d)
		}
		rec := log.Records()[0]
		if rec.Result == nil || rec.Result.Outcome.Kind != tool.OutcomeDenied {
			t.Fatalf("%s: denial audit must carry a denied result", state)
		}
	}
}

func TestEngine_PolicyCanRequireConfirmationForWrites(t *testing.T) {
	table := policy.NewTable()
	table.Tools["calendar.create"] = policy.GuardrailPolicy{RequiresConfirmation: policy.Bool(true)}
	eng := newEngine(t, table, audit.NewMemoryLog())

	if d := eng.Authorize(context.Background(), call("calendar.create"), guardrail.ConversationContext{}); !d.NeedsConfirmation() {
		t.Fatalf("expected RequiresConfirmation, got %+v", d)
	}
	if d := eng.Authorize(context.Background(), call("calendar.list_events"), guardrail.ConversationContext{}); !d.Approved() {
		t.Fatalf("expected Approved for read-only tool, got %+v", d)
	}
}

func TestEngine_RateLimit_ExactlyKOfNConcurrent(t *testing.T) {
	const n, k = 64, 5
	table := policy.NewTable()
	table.Tools["calendar.create"] = policy.GuardrailPolicy{RateLimit: &policy.RateLimit{MaxCalls: k, WindowSeconds: 60}}
	log := audit.NewMemoryLog()
	eng := newEngine(t, table, log)

	var approved, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc := guardrail.ConversationContext{SessionID: string(rune('a' + i%8))}
			d := eng.Authorize(context.Background(), call("calendar.create"), cc)
			switch {
			case d.Approved():
				approved.Add(1)
			case d.Denied() && d.Reason == guardrail.ReasonRateLimited:
				limited.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if approved.Load() != k {
		t.Fatalf("expected exactly %d approvals, got %d", k, approved.Load())
	}
	if limited.Load() != n-k {
		t.Fatalf("expected %d rate-limited denials, got %d", n-k, limited.Load())
	}
	if log.Len() != n {
		t.Fatalf("expected one audit record per authorize (%d), got %d", n, log.Len())
	}
}

func TestEngine_PendingConfirmationDoesNotConsumeRateSlot(t *testing.T) {
	table := policy.NewTable()
	table.Tools["calendar.delete_all"] = policy.GuardrailPolicy{RateLimit: &policy.RateLimit{MaxCalls: 1, WindowSeconds: 60}}
	eng := newEngine(t, table, audit.NewMemoryLog())

	for i := 0; i < 3; i++ {
		if d := eng.Authorize(context.Background(), call("calendar.delete_all"), guardrail.ConversationContext{}); !d.NeedsConfirmation() {
			t.Fatalf("expected RequiresConfirmation, got %+v", d)
		}
	}
	req := call("calendar.delete_all")
	d := eng.Authorize(context.Background(), req, guardrail.ConversationContext{
		Confirmations: map[string]guardrail.ConfirmationState{req.ID: guardrail.ConfirmationGranted},
	})
	if !d.Approved() {
		t.Fatalf("expected first confirmed call to be admitted, got %+v", d)
	}
}

func TestEngine_UnknownToolPassesToRegistry(t *testing.T) {
	log := audit.NewMemoryLog()
	eng := newEngine(t, policy.NewTable(), log)
	if d := eng.Authorize(context.Background(), call("does.not.exist"), guardrail.ConversationContext{}); !d.Approved() {
		t.Fatalf("expected Approved so the registry can report the unknown tool, got %+v", d)
	}
	if log.Len() != 1 {
		t.Fatal("unknown tools must still be audited")
	}
}

func TestEngine_BatchBlocked(t *testing.T) {
	log := audit.NewMemoryLog()
	eng := newEngine(t, policy.NewTable(), log)
	d := eng.Authorize(context.Background(), call("calendar.list_events"), guardrail.ConversationContext{BatchBlocked: true})
	if !d.Denied() || d.Reason != guardrail.ReasonCascade {
		t.Fatalf("expected cascade denial, got %+v", d)
	}
	if log.Records()[0].Decision != audit.DecisionDenied {
		t.Fatal("expected denied audit record")
	}
}

// failingEvaluator always errors.
type failingEvaluator struct{}

func (failingEvaluator) Name() string { return "failing" }
func (failingEvaluator) Evaluate(context.Context, *guardrail.EvalRequest) (*guardrail.EvalResult, error) {
	return nil, errors.New("backend down")
}

func TestEngine_EvaluatorErrorDenies(t *testing.T) {
	log := audit.NewMemoryLog()
	eng := guardrail.NewEngine(guardrail.Config{
		Evaluators: []guardrail.Evaluator{failingEvaluator{}},
		Contracts:  testRegistry(t),
		Audit:      log,
		Logger:     zap.NewNop(),
	})
	d := eng.Authorize(context.Background(), call("calendar.list_events"), guardrail.ConversationContext{})
	if !d.Denied() {
		t.Fatalf("expected denial on evaluator error, got %+v", d)
	}
	if log.Len() != 1 {
		t.Fatalf("expected 1 audit record, got %d", log.Len())
	}
}

func BenchmarkEngine_Authorize(b *testing.B) {
	reg := tool.NewRegistry(tool.RegistryConfig{})
	_ = reg.Register(tool.Contract{Name: "calendar.list_events", SideEffect: tool.ReadOnly}, tool.Func(noop))
	eng := guardrail.NewEngine(guardrail.Config{
		Evaluators: evaluators.Default(ratelimit.NewMemoryLimiter(), zap.NewNop()),
		Contracts:  reg,
		Audit:      audit.NewLogWriter(zap.NewNop()),
	})
	req := call("calendar.list_events")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		eng.Authorize(context.Background(), req, guardrail.ConversationContext{})
	}
}
