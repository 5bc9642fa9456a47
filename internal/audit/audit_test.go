package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

func sampleRecord(decision Decision) *Record {
	req := tool.NewCallRequest("calendar.delete_all", json.RawMessage(`{}`), "turn-1")
	rec := &Record{
		ID:        "a-1",
		SessionID: "s-1",
		Request:   req,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
	}
	if decision == DecisionDenied {
		res := tool.Denied(req, "not confirmed")
		rec.Reason = "not confirmed"
		rec.Result = &res
	}
	return rec
}

func TestMemoryLog_ConcurrentAppend(t *testing.T) {
	log := NewMemoryLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append(sampleRecord(DecisionApproved))
		}()
	}
	wg.Wait()
	if log.Len() != 50 {
		t.Fatalf("expected 50 records, got %d", log.Len())
	}
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewMemoryLog(), NewMemoryLog()
	m := Multi{a, b, NewLogWriter(zap.NewNop())}
	m.Append(sampleRecord(DecisionApproved))
	m.Close()
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("expected both logs to receive the record, got %d and %d", a.Len(), b.Len())
	}
}

func TestToRow_DeniedCarriesOutcome(t *testing.T) {
	row := toRow(sampleRecord(DecisionDenied))
	if row.Outcome != "denied" || row.OutcomeReason != "not confirmed" {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.ToolName != "calendar.delete_all" || row.TurnID != "turn-1" {
		t.Fatalf("unexpected request fields %+v", row)
	}
}

func TestFileWriter_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w := NewFileWriter(FileConfig{Path: path})
	w.Append(sampleRecord(DecisionApproved))
	w.Append(sampleRecord(DecisionDenied))
	w.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var decisions []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("line is not JSON: %s", sc.Text())
		}
		decisions = append(decisions, line["decision"].(string))
	}
	if len(decisions) != 2 || decisions[0] != "approved" || decisions[1] != "denied" {
		t.Fatalf("unexpected decisions %v", decisions)
	}
}

func TestMemoryLog_ListFiltersAndPages(t *testing.T) {
	log := NewMemoryLog()
	for i, d := range []Decision{DecisionApproved, DecisionDenied, DecisionApproved, DecisionApproved} {
		rec := sampleRecord(d)
		rec.ID = string(rune('a' + i))
		log.Append(rec)
	}

	approved := string(DecisionApproved)
	rows, total, err := log.List(context.Background(), ListParams{Decision: &approved, Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(rows) != 2 || rows[0].ID != "d" || rows[1].ID != "c" {
		t.Fatalf("rows = %+v", rows)
	}

	rows, _, _ = log.List(context.Background(), ListParams{Decision: &approved, Page: 2, PageSize: 2})
	if len(rows) != 1 || rows[0].ID != "a" {
		t.Fatalf("page 2 = %+v", rows)
	}
	rows, _, _ = log.List(context.Background(), ListParams{Decision: &approved, Page: 5, PageSize: 2})
	if len(rows) != 0 {
		t.Fatalf("past the end = %+v", rows)
	}
}
