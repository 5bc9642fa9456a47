// Package scripted provides a deterministic model.Adapter that replays a
// fixed sequence of responses. It backs tests and offline replays.
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/triage-ai/langford/internal/model"
	"github.com/triage-ai/langford/internal/tool"
)

// ErrExhausted is returned once every step has been consumed.
var ErrExhausted = errors.New("scripted adapter: no steps left")

// Call describes one tool call in a scripted step.
type Call struct {
	Tool string
	Args string
}

// Step is one scripted reply: a final answer, a batch of calls, or an error.
type Step struct {
	final *string
	calls []Call
	err   error
}

func Final(text string) Step {
	return Step{final: &text}
}

func Calls(calls ...Call) Step {
	return Step{calls: calls}
}

func Fail(err error) Step {
	return Step{err: err}
}

func Malformed(reason string) Step {
	return Step{err: &model.MalformedResponseError{Reason: reason}}
}

// Adapter replays steps in order and records every request it saw.
type Adapter struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	seq      int
	requests []model.Request
}

func New(steps ...Step) *Adapter {
	return &Adapter{steps: steps}
}

func (a *Adapter) Converse(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, req)
	if a.next >= len(a.steps) {
		return nil, ErrExhausted
	}
	step := a.steps[a.next]
	a.next++

	switch {
	case step.err != nil:
		return nil, step.err
	case step.final != nil:
		return model.FinalAnswer{Text: *step.final}, nil
	}

	calls := make([]tool.CallRequest, 0, len(step.calls))
	for _, c := range step.calls {
		a.seq++
		args := json.RawMessage(c.Args)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, tool.CallRequest{
			ID:        fmt.Sprintf("call-%d", a.seq),
			ToolName:  c.Tool,
			Arguments: args,
			TurnID:    req.TurnID,
		})
	}
	return model.ToolCallsRequested{Calls: calls}, nil
}

// Requests returns a copy of every request received so far.
func (a *Adapter) Requests() []model.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// Remaining reports how many steps have not been replayed.
func (a *Adapter) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.steps) - a.next
}
