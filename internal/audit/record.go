package audit

import (
	"time"

	"github.com/triage-ai/langford/internal/tool"
)

// Decision is what the guardrail engine decided for one authorize call.
type Decision string

const (
	DecisionApproved             Decision = "approved"
	DecisionConfirmed            Decision = "confirmed"
	DecisionDenied               Decision = "denied"
	DecisionConfirmationRequired Decision = "confirmation_required"
)

// Record is one append-only audit entry. Result is set for denials, which
// never reach the registry.
type Record struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Request   tool.CallRequest `json:"request"`
	Decision  Decision         `json:"decision"`
	Reason    string           `json:"reason,omitempty"`
	Result    *tool.CallResult `json:"result,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Writer is the audit sink. Append must return within a bounded time and
// must never fail the caller.
type Writer interface {
	Append(rec *Record)
	Close()
}
