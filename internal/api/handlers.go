package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/orchestrator"
	"go.uber.org/zap"
)

// handleMessage implements POST /v1/sessions/{session_id}/messages.
func (d *Dependencies) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var req MessageReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "text is required"})
		return
	}

	reply, err := d.Chat.HandleMessage(r.Context(), sessionID, req.Text)
	if err != nil {
		d.writeChatError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleConfirm implements POST /v1/sessions/{session_id}/confirmations/{request_id}.
func (d *Dependencies) handleConfirm(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	requestID := r.PathValue("request_id")
	var req ConfirmReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Approved == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "approved is required"})
		return
	}

	reply, err := d.Chat.Confirm(r.Context(), sessionID, requestID, *req.Approved)
	if err != nil {
		d.writeChatError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (d *Dependencies) writeChatError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
	case errors.Is(err, orchestrator.ErrNoPendingConfirmation):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("chat request failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: orchestrator.TextBackendError})
	}
}

// handleListAudit implements GET /v1/audit.
func (d *Dependencies) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Audit store not configured"})
		return
	}

	q := r.URL.Query()
	params := audit.ListParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.PageSize < 1 {
		params.PageSize = 1
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if v := q.Get("session_id"); v != "" {
		params.SessionID = &v
	}
	if v := q.Get("tool_name"); v != "" {
		params.ToolName = &v
	}
	if v := q.Get("decision"); v != "" {
		params.Decision = &v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	rows, total, err := d.Audit.List(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list audit records", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list audit records"})
		return
	}
	if rows == nil {
		rows = []audit.Row{}
	}
	writeJSON(w, http.StatusOK, AuditListResp{
		Records:  rows,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
