package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/triage-ai/langford/internal/model/scripted"
)

func TestRunExpirySweeper_DeliversResumedTurns(t *testing.T) {
	h := newHarness(t, scripted.New(
		scripted.Calls(scripted.Call{Tool: "calendar.delete_all"}),
		scripted.Final("Nothing was deleted."),
	), nil)
	h.seedEvents(t, "Standup")

	if _, err := h.orch.HandleMessage(context.Background(), "s1", "Delete all my meetings"); err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(DefaultConfirmationTimeout + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivered := make(chan Reply, 1)
	go h.orch.RunExpirySweeper(ctx, time.Millisecond, func(_ context.Context, r Reply) {
		delivered <- r
	})

	select {
	case r := <-delivered:
		if r.SessionID != "s1" || r.Text != "Nothing was deleted." {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not deliver the resumed turn")
	}
	if len(h.cal.Events()) != 1 {
		t.Fatal("expired confirmation must not delete")
	}
}
