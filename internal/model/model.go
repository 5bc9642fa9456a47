package model

import (
	"context"
	"fmt"

	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/tool"
)

// Request is everything an adapter needs for one exchange with the model.
// Adapters keep no state between calls.
type Request struct {
	SessionID    string
	TurnID       string
	Instructions string
	History      []conversation.Turn
	Tools        []tool.Contract
	// Correction is set on the single retry after a malformed response.
	Correction string
}

// Response is either FinalAnswer or ToolCallsRequested.
type Response interface {
	isResponse()
}

// FinalAnswer ends the turn with text for the user.
type FinalAnswer struct {
	Text string
}

// ToolCallsRequested asks the orchestrator to run Calls in order.
type ToolCallsRequested struct {
	Calls []tool.CallRequest
}

func (FinalAnswer) isResponse()        {}
func (ToolCallsRequested) isResponse() {}

// Adapter is the boundary to a model provider.
type Adapter interface {
	Converse(ctx context.Context, req Request) (Response, error)
}

// MalformedResponseError reports provider output that could not be mapped
// to a Response.
type MalformedResponseError struct {
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %s", e.Reason)
}

// FinalAnswerTool is the pseudo-tool the model calls to finish a turn.
const FinalAnswerTool = "final_answer"

// FinalAnswerContract describes FinalAnswerTool to providers that only
// speak in tool calls.
func FinalAnswerContract() tool.Contract {
	return tool.Contract{
		Name:        FinalAnswerTool,
		Description: "Final response to the user. Call exactly once at the end of a run with the entire message to show.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{"type": "string", "description": "The full, formatted reply."},
			},
			"required": []any{"answer"},
		},
		SideEffect: tool.ReadOnly,
	}
}
