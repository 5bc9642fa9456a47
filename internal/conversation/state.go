package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/langford/internal/tool"
)

// Kind tags a Turn.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
)

// Turn is one entry of the history. Exactly one of Text, Call, Result is
// meaningful depending on Kind.
type Turn struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Call      *tool.CallRequest `json:"call,omitempty"`
	Result    *tool.CallResult  `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func UserMessage(text string) Turn {
	return Turn{Kind: KindUserMessage, Text: text}
}

func AssistantMessage(text string) Turn {
	return Turn{Kind: KindAssistantMessage, Text: text}
}

func ToolCall(req tool.CallRequest) Turn {
	return Turn{Kind: KindToolCall, Call: &req}
}

func ToolResult(res tool.CallResult) Turn {
	return Turn{Kind: KindToolResult, Result: &res}
}

// Status is the session's position in the orchestration loop.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
)

// Answer is the user's reply to a confirmation prompt.
type Answer string

const (
	AnswerNone    Answer = ""
	AnswerYes     Answer = "confirmed"
	AnswerNo      Answer = "declined"
	AnswerExpired Answer = "expired"
)

// PendingConfirmation is a call suspended in AwaitingUserConfirmation.
type PendingConfirmation struct {
	Request   tool.CallRequest `json:"request"`
	Prompt    string           `json:"prompt"`
	ExpiresAt time.Time        `json:"expires_at"`
	Answer    Answer           `json:"answer,omitempty"`
}

// Suspension is the persisted part of a turn waiting on the user.
// Elapsed is the wall-clock time the turn had already spent before it was
// suspended; time spent waiting on the user does not count.
type Suspension struct {
	TurnID      string                `json:"turn_id"`
	Mode        string                `json:"mode"`
	Iterations  int                   `json:"iterations"`
	HistoryFrom int                   `json:"history_from"`
	Elapsed     time.Duration         `json:"elapsed"`
	Pending     []PendingConfirmation `json:"pending"`
}

// Deadline returns the earliest expiry among unanswered confirmations.
func (s *Suspension) Deadline() time.Time {
	var d time.Time
	for _, p := range s.Pending {
		if p.Answer != AnswerNone {
			continue
		}
		if d.IsZero() || p.ExpiresAt.Before(d) {
			d = p.ExpiresAt
		}
	}
	return d
}

// Unanswered reports whether any confirmation still waits for the user.
func (s *Suspension) Unanswered() bool {
	for _, p := range s.Pending {
		if p.Answer == AnswerNone {
			return true
		}
	}
	return false
}

// State is the ordered, append-only history of one session.
type State struct {
	SessionID string      `json:"session_id"`
	Turns     []Turn      `json:"turns"`
	Status    Status      `json:"status"`
	Suspended *Suspension `json:"suspended,omitempty"`
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// New returns an empty idle session.
func New(sessionID string) *State {
	return &State{SessionID: sessionID, Status: StatusIdle}
}

// Append stamps t with an id and time and adds it to the end of the
// history. The stored turn is returned; it must not be modified.
func (s *State) Append(t Turn) Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Call != nil {
		c := *t.Call
		t.Call = &c
	}
	if t.Result != nil {
		r := *t.Result
		t.Result = &r
	}
	s.Turns = append(s.Turns, t)
	return t
}

// History returns a copy of the turns safe to hand to other components.
func (s *State) History() []Turn {
	out := make([]Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}

// Reset clears history and any suspended turn.
func (s *State) Reset() {
	s.Turns = nil
	s.Status = StatusIdle
	s.Suspended = nil
}
