package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SideEffectClass annotates what a tool does to the outside world.
type SideEffectClass string

const (
	ReadOnly        SideEffectClass = "read_only"
	ReversibleWrite SideEffectClass = "reversible_write"
	Destructive     SideEffectClass = "destructive"
)

// Valid reports whether c is one of the known classes.
func (c SideEffectClass) Valid() bool {
	switch c {
	case ReadOnly, ReversibleWrite, Destructive:
		return true
	}
	return false
}

// Contract describes a tool as seen by the model and the guardrails.
// Schemas are JSON Schema documents and are frozen at registration.
type Contract struct {
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description" yaml:"description"`
	InputSchema  map[string]any  `json:"input_schema" yaml:"input_schema"`
	OutputSchema map[string]any  `json:"output_schema,omitempty" yaml:"output_schema"`
	SideEffect   SideEffectClass `json:"side_effect" yaml:"side_effect"`
	// Timeout replaces the registry's per-call timeout when positive.
	Timeout time.Duration `json:"-" yaml:"-"`
}

// Implementation is the single entry point of a tool plugin.
// Implementations must respect ctx cancellation.
type Implementation interface {
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Func adapts a plain function to Implementation.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

func (f Func) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// CallRequest is one proposed invocation of a tool.
type CallRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	TurnID    string          `json:"turn_id"`
}

// NewCallRequest builds a request with a fresh id.
func NewCallRequest(toolName string, args json.RawMessage, turnID string) CallRequest {
	return CallRequest{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Arguments: args,
		TurnID:    turnID,
	}
}

// OutcomeKind is the closed set of call outcomes.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeDenied  OutcomeKind = "denied"
)

// Outcome carries the payload on success and the reason otherwise.
type Outcome struct {
	Kind    OutcomeKind    `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// CallResult is the immutable record of what happened to a CallRequest.
type CallResult struct {
	RequestID string    `json:"request_id"`
	ToolName  string    `json:"tool_name"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Success builds a success result for req.
func Success(req CallRequest, payload map[string]any) CallResult {
	return newResult(req, Outcome{Kind: OutcomeSuccess, Payload: payload})
}

// Failure builds a failure result for req.
func Failure(req CallRequest, reason string) CallResult {
	return newResult(req, Outcome{Kind: OutcomeFailure, Reason: reason})
}

// Denied builds a denied result for req.
func Denied(req CallRequest, reason string) CallResult {
	return newResult(req, Outcome{Kind: OutcomeDenied, Reason: reason})
}

func newResult(req CallRequest, o Outcome) CallResult {
	return CallResult{
		RequestID: req.ID,
		ToolName:  req.ToolName,
		Outcome:   o,
		Timestamp: time.Now().UTC(),
	}
}

// Succeeded reports whether the call produced a payload.
func (r CallResult) Succeeded() bool {
	return r.Outcome.Kind == OutcomeSuccess
}

// Content renders the result the way it is shown to the model.
func (r CallResult) Content() string {
	switch r.Outcome.Kind {
	case OutcomeSuccess:
		b, err := json.Marshal(r.Outcome.Payload)
		if err != nil {
			return `{"error":"unencodable tool output"}`
		}
		return string(b)
	case OutcomeDenied:
		b, _ := json.Marshal(map[string]string{"denied": r.Outcome.Reason})
		return string(b)
	default:
		b, _ := json.Marshal(map[string]string{"error": r.Outcome.Reason})
		return string(b)
	}
}
