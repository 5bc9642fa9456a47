package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/auth"
	"github.com/triage-ai/langford/internal/orchestrator"
	"go.uber.org/zap"
)

// Chat is the subset of *orchestrator.Orchestrator the HTTP surface drives.
type Chat interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
	Confirm(ctx context.Context, sessionID, requestID string, approved bool) (orchestrator.Reply, error)
}

// AuditLister is satisfied by *audit.Reader and *audit.MemoryLog.
type AuditLister interface {
	List(ctx context.Context, params audit.ListParams) ([]audit.Row, int, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Chat   Chat
	Audit  AuditLister // nil disables GET /v1/audit
	Auth   auth.Authenticator
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions/{session_id}/messages", deps.authMiddleware(deps.handleMessage))
	mux.HandleFunc("POST /v1/sessions/{session_id}/confirmations/{request_id}", deps.authMiddleware(deps.handleConfirm))
	mux.HandleFunc("GET /v1/audit", deps.authMiddleware(deps.handleListAudit))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
