package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/triage-ai/langford/internal/tool"
)

func TestState_AppendIsOrderedAndCopies(t *testing.T) {
	s := New("s1")
	u := s.Append(UserMessage("Delete all my meetings"))
	req := tool.NewCallRequest("calendar.delete_all", json.RawMessage(`{}`), u.ID)
	s.Append(ToolCall(req))
	req.ToolName = "mutated"

	if len(s.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(s.Turns))
	}
	if s.Turns[0].ID == "" || s.Turns[0].CreatedAt.IsZero() {
		t.Fatal("append must stamp id and time")
	}
	if s.Turns[1].Call.ToolName != "calendar.delete_all" {
		t.Fatal("appended turns must not alias caller values")
	}

	h := s.History()
	h[0].Text = "changed"
	if s.Turns[0].Text != "Delete all my meetings" {
		t.Fatal("History must return a copy")
	}
}

func TestSuspension_Deadline(t *testing.T) {
	now := time.Now()
	sus := &Suspension{Pending: []PendingConfirmation{
		{ExpiresAt: now.Add(time.Minute), Answer: AnswerYes},
		{ExpiresAt: now.Add(3 * time.Minute)},
		{ExpiresAt: now.Add(2 * time.Minute)},
	}}
	if !sus.Deadline().Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("expected earliest unanswered deadline, got %v", sus.Deadline())
	}
	sus.Pending[1].Answer = AnswerNo
	sus.Pending[2].Answer = AnswerExpired
	if sus.Unanswered() {
		t.Fatal("expected no unanswered confirmations")
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 0 || s.Status != StatusIdle {
		t.Fatalf("expected fresh state, got %+v", s)
	}
	s.Append(UserMessage("hello"))
	if err := store.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	stale, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	s.Append(AssistantMessage("hi"))
	s.Status = StatusAwaitingConfirmation
	s.Suspended = &Suspension{
		TurnID: "t1",
		Pending: []PendingConfirmation{{
			Request:   tool.NewCallRequest("calendar.delete_all", json.RawMessage(`{}`), "t1"),
			ExpiresAt: time.Now().Add(-time.Second),
		}},
	}
	if err := store.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	stale.Append(UserMessage("racing write"))
	if err := store.Save(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Turns) != 2 || loaded.Turns[1].Text != "hi" {
		t.Fatalf("unexpected turns %+v", loaded.Turns)
	}
	if loaded.Suspended == nil || len(loaded.Suspended.Pending) != 1 {
		t.Fatal("suspension must survive a round trip")
	}

	overdue, err := store.Overdue(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 1 || overdue[0] != "s1" {
		t.Fatalf("expected s1 overdue, got %v", overdue)
	}

	loaded.Suspended = nil
	loaded.Status = StatusIdle
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatal(err)
	}
	if overdue, _ := store.Overdue(ctx, time.Now()); len(overdue) != 0 {
		t.Fatalf("expected nothing overdue, got %v", overdue)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	fresh, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh.Turns) != 0 {
		t.Fatal("expected empty state after delete")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := OpenSQLStore(context.Background(), SQLConfig{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "langford.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLStore_RebindPostgres(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	got := s.rebind(`UPDATE t SET a = ? WHERE b = ? AND c = ?`)
	if got != `UPDATE t SET a = $1 WHERE b = $2 AND c = $3` {
		t.Fatalf("unexpected rebind %s", got)
	}
	s.dialect = DialectMySQL
	if s.rebind("a = ?") != "a = ?" {
		t.Fatal("mysql placeholders must be left alone")
	}
}
