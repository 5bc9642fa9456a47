package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/tool"
)

// ToolRegistry is the subset of *tool.Registry the loop dispatches through.
type ToolRegistry interface {
	ListEnabled() []tool.Contract
	Execute(ctx context.Context, req tool.CallRequest) (tool.CallResult, error)
}

// Authorizer is the subset of *guardrail.Engine the loop consults.
type Authorizer interface {
	Authorize(ctx context.Context, req tool.CallRequest, cc guardrail.ConversationContext) guardrail.Decision
	CascadeDenials() bool
}

// ConfirmationPrompt asks the user to approve one pending call.
type ConfirmationPrompt struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Prompt    string          `json:"prompt"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Reply is what the transport sends back for one inbound event.
type Reply struct {
	SessionID     string               `json:"session_id"`
	Text          string               `json:"text"`
	Confirmations []ConfirmationPrompt `json:"confirmations,omitempty"`
	Aborted       bool                 `json:"aborted,omitempty"`
}

var (
	ErrEmptyMessage          = errors.New("message is empty")
	ErrNoPendingConfirmation = errors.New("no pending confirmation with that id")
)

// User-visible texts.
const (
	TextBackendError  = "Something went wrong in the backend. Please try again in a moment."
	TextStepBudget    = "I could not finish this request within the allowed number of steps. Please try rephrasing it or splitting it into smaller requests."
	TextTurnTimeout   = "This request took too long to complete. Please try again."
	TextMalformed     = "I could not make sense of the model's reply. Please try again."
	TextReset         = "Context cleared. Starting fresh."
	TextHelp          = "Hello, I am your Langford assistant.\nSend 'brief' to get your daily executive brief.\nSend 'reset' to clear the conversation."
	TextAwaitingReply = "Please answer yes or no to the pending request first."
)

// ReasonTurnBudget is the denial recorded for calls left unauthorized when
// the turn runs out of time.
const ReasonTurnBudget = "turn budget exhausted"

const briefQuery = "Please provide my full morning executive brief for today."

const correctivePrompt = "Your previous reply could not be parsed (%s). Reply either with plain text for the user " +
	"or with tool calls whose arguments are a single JSON object matching the tool's schema."
