package audit

import (
	"context"
	"sync"
)

// MemoryLog keeps records in append order. Used in tests and as the
// in-process view when no external sink is configured.
type MemoryLog struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(rec *Record) {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
}

func (m *MemoryLog) Close() {}

// Len returns the number of records appended so far.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns a snapshot copy of the log.
func (m *MemoryLog) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// List applies the same filters and paging as Reader.List over the
// in-memory records, newest first.
func (m *MemoryLog) List(_ context.Context, params ListParams) ([]Row, int, error) {
	records := m.Records()
	var matched []Row
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if params.SessionID != nil && rec.SessionID != *params.SessionID {
			continue
		}
		if params.ToolName != nil && rec.Request.ToolName != *params.ToolName {
			continue
		}
		if params.Decision != nil && string(rec.Decision) != *params.Decision {
			continue
		}
		if params.StartTime != nil && rec.Timestamp.Before(*params.StartTime) {
			continue
		}
		if params.EndTime != nil && rec.Timestamp.After(*params.EndTime) {
			continue
		}
		matched = append(matched, toRow(rec))
	}
	total := len(matched)
	start := (params.Page - 1) * params.PageSize
	if start >= total || start < 0 {
		return nil, total, nil
	}
	end := min(start+params.PageSize, total)
	return matched[start:end], total, nil
}

// Multi fans a record out to several writers in order.
type Multi []Writer

func (m Multi) Append(rec *Record) {
	for _, w := range m {
		w.Append(rec)
	}
}

func (m Multi) Close() {
	for _, w := range m {
		w.Close()
	}
}
