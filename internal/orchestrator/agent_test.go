package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/model/scripted"
	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/tool"
)

func calendarAgent() AgentDefinition {
	return AgentDefinition{
		Name:         "agent.calendar",
		Instructions: "You manage the user's calendar.",
		Tools:        []string{"datetime.resolve", "calendar.list_events", "calendar.create"},
		MaxSteps:     3,
	}
}

func TestAgent_RunsNestedLoop(t *testing.T) {
	adapter := scripted.New(
		scripted.Calls(scripted.Call{Tool: "agent.calendar", Args: `{"task":"Add Team sync on Friday at 15:00"}`}),
		scripted.Calls(scripted.Call{Tool: "calendar.create", Args: `{"title":"Team sync","start":"2024-05-03T15:00:00+02:00"}`}),
		scripted.Final("Created Team sync."),
		scripted.Final("Your calendar agent created Team sync."),
	)
	h := newHarness(t, adapter, nil)
	if err := RegisterAgent(h.reg, calendarAgent(), Config{Adapter: adapter, Guardrail: h.orch.cfg.Guardrail}); err != nil {
		t.Fatal(err)
	}

	reply, err := h.orch.HandleMessage(context.Background(), "s1", "Add a team sync on Friday at 3pm")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Your calendar agent created Team sync." {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(h.cal.Events()) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.cal.Events()))
	}

	res := results(h.state(t, "s1"))
	if len(res) != 1 || !res[0].Succeeded() || res[0].Outcome.Payload["answer"] != "Created Team sync." {
		t.Fatalf("unexpected outer results %+v", res)
	}
	if got := kinds(h.state(t, "s1")); got != "user_message,tool_call,tool_result,assistant_message" {
		t.Fatalf("nested turns leaked into the session: %s", got)
	}

	reqs := adapter.Requests()
	inner := reqs[1]
	if !strings.HasPrefix(inner.Instructions, "You manage the user's calendar.") {
		t.Fatalf("nested loop used instructions %q", inner.Instructions)
	}
	var names []string
	for _, c := range inner.Tools {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "datetime.resolve,calendar.list_events,calendar.create" {
		t.Fatalf("nested loop offered %v", names)
	}
	if !strings.HasPrefix(inner.SessionID, "agent.calendar/") {
		t.Fatalf("nested session id %q", inner.SessionID)
	}
}

func TestAgent_ConfinedToItsTools(t *testing.T) {
	table := policy.NewTable()
	table.Tools["calendar.create"] = policy.GuardrailPolicy{RequiresConfirmation: policy.Bool(true)}
	adapter := scripted.New(
		scripted.Calls(scripted.Call{Tool: "agent.calendar", Args: `{"task":"Add lunch"}`}),
		scripted.Calls(
			scripted.Call{Tool: "calendar.create", Args: `{"title":"Lunch","start":"2024-05-03T12:00:00+02:00"}`},
			scripted.Call{Tool: "web.fetch", Args: `{"url":"https://example.com"}`},
		),
		scripted.Final("I could not add it."),
		scripted.Final("The calendar agent needs your go-ahead."),
	)
	h := newHarness(t, adapter, table)
	h.seedEvents(t, "Standup")
	if err := RegisterAgent(h.reg, calendarAgent(), Config{Adapter: adapter, Guardrail: h.orch.cfg.Guardrail}); err != nil {
		t.Fatal(err)
	}

	reply, err := h.orch.HandleMessage(context.Background(), "s1", "Add lunch on Friday")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Aborted || len(reply.Confirmations) != 0 {
		t.Fatalf("a managed agent must not suspend the session, got %+v", reply)
	}
	if got := h.cal.Events(); len(got) != 1 || got[0].Title != "Standup" {
		t.Fatalf("calendar changed: %+v", got)
	}

	history := adapter.Requests()[2].History
	var inner []tool.CallResult
	for _, turn := range history {
		if turn.Kind == conversation.KindToolResult {
			inner = append(inner, *turn.Result)
		}
	}
	if len(inner) != 2 {
		t.Fatalf("expected 2 nested results, got %+v", inner)
	}
	if inner[0].Outcome.Kind != tool.OutcomeDenied || inner[0].Outcome.Reason != ReasonManagedAgent {
		t.Fatalf("confirmation-gated call: %+v", inner[0].Outcome)
	}
	if inner[1].Outcome.Kind != tool.OutcomeFailure || !strings.Contains(inner[1].Outcome.Reason, "unknown tool") {
		t.Fatalf("tool outside the agent's set: %+v", inner[1].Outcome)
	}
	for _, d := range h.decisions() {
		if d == audit.DecisionConfirmed {
			t.Fatal("nothing was confirmed by the user")
		}
	}
}

func TestRegisterAgent_Rejects(t *testing.T) {
	adapter := scripted.New()
	h := newHarness(t, adapter, nil)
	cfg := Config{Adapter: adapter, Guardrail: h.orch.cfg.Guardrail}

	def := calendarAgent()
	def.Tools = append(def.Tools, "calendar.delete_all")
	if err := RegisterAgent(h.reg, def, cfg); err == nil || !strings.Contains(err.Error(), "destructive") {
		t.Fatalf("expected destructive tools to be refused, got %v", err)
	}

	def = calendarAgent()
	def.Tools = []string{"email.send"}
	if err := RegisterAgent(h.reg, def, cfg); err == nil {
		t.Fatal("expected unknown tools to be refused")
	}

	if err := RegisterAgent(h.reg, calendarAgent(), Config{}); err == nil {
		t.Fatal("expected missing adapter to be refused")
	}
	if _, _, err := h.reg.Lookup("agent.calendar"); err == nil {
		t.Fatal("refused agents must not be registered")
	}
}
