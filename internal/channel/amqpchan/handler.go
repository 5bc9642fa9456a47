// Package amqpchan carries chat traffic over RabbitMQ. Inbound deliveries
// are JSON envelopes on one queue; replies are published to the delivery's
// reply_to queue or to the configured outbound queue.
package amqpchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/triage-ai/langford/internal/orchestrator"
)

// Envelope kinds.
const (
	KindMessage      = "message"
	KindConfirmation = "confirmation"
)

// Envelope is one inbound delivery body.
type Envelope struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
}

// Outbound is one published reply.
type Outbound struct {
	orchestrator.Reply
	Error string `json:"error,omitempty"`
}

// Chat is the subset of *orchestrator.Orchestrator the queue consumer drives.
type Chat interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
	Confirm(ctx context.Context, sessionID, requestID string, approved bool) (orchestrator.Reply, error)
}

// ErrBadEnvelope marks deliveries that can never be processed.
var ErrBadEnvelope = errors.New("bad envelope")

// Handler turns one delivery body into the reply to publish.
type Handler struct {
	chat Chat
}

func NewHandler(chat Chat) *Handler {
	return &Handler{chat: chat}
}

// Handle decodes body and drives chat. ErrBadEnvelope is returned for
// undecodable or incomplete envelopes; other errors come from chat and are
// also reported in the returned Outbound.
func (h *Handler) Handle(ctx context.Context, body []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.SessionID == "" {
		return Outbound{}, fmt.Errorf("%w: session_id is required", ErrBadEnvelope)
	}

	var (
		reply orchestrator.Reply
		err   error
	)
	switch env.Kind {
	case KindMessage, "":
		reply, err = h.chat.HandleMessage(ctx, env.SessionID, env.Text)
	case KindConfirmation:
		if env.RequestID == "" || env.Approved == nil {
			return Outbound{}, fmt.Errorf("%w: request_id and approved are required", ErrBadEnvelope)
		}
		reply, err = h.chat.Confirm(ctx, env.SessionID, env.RequestID, *env.Approved)
	default:
		return Outbound{}, fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, env.Kind)
	}
	if err != nil {
		out := Outbound{Reply: orchestrator.Reply{SessionID: env.SessionID}}
		switch {
		case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrNoPendingConfirmation):
			out.Error = err.Error()
		default:
			out.Error = orchestrator.TextBackendError
		}
		return out, err
	}
	return Outbound{Reply: reply}, nil
}

// SessionOf extracts the session id for worker routing. Undecodable bodies
// map to the empty session.
func SessionOf(body []byte) string {
	var env struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(body, &env)
	return env.SessionID
}

// shard maps a session to one of n workers so a session's deliveries are
// handled in queue order.
func shard(sessionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}
