package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrVersionConflict is returned when a state was saved by someone else
// since it was loaded.
var ErrVersionConflict = errors.New("conversation state version conflict")

// Store persists session state, including suspended confirmations.
type Store interface {
	// Load returns the session, or a fresh idle one if none is stored.
	Load(ctx context.Context, sessionID string) (*State, error)
	Save(ctx context.Context, s *State) error
	Delete(ctx context.Context, sessionID string) error
	// Overdue lists sessions with an unanswered confirmation expiring at or
	// before now.
	Overdue(ctx context.Context, now time.Time) ([]string, error)
	Close() error
}

// MemoryStore keeps encoded states in a map. States are deep-copied on the
// way in and out so callers never share turns.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	versions map[string]int64
	deadline map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		versions: make(map[string]int64),
		deadline: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	data, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return New(sessionID), nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[s.SessionID] != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		s.Version--
		return err
	}
	m.sessions[s.SessionID] = data
	m.versions[s.SessionID] = s.Version
	if s.Suspended != nil && s.Suspended.Unanswered() {
		m.deadline[s.SessionID] = s.Suspended.Deadline()
	} else {
		delete(m.deadline, s.SessionID)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.versions, sessionID)
	delete(m.deadline, sessionID)
	return nil
}

func (m *MemoryStore) Overdue(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, d := range m.deadline {
		if !d.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
