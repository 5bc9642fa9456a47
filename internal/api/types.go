package api

import "github.com/triage-ai/langford/internal/audit"

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// MessageReq is the JSON body for POST /v1/sessions/{session_id}/messages.
type MessageReq struct {
	Text string `json:"text"`
}

// ConfirmReq is the JSON body for POST
// /v1/sessions/{session_id}/confirmations/{request_id}.
type ConfirmReq struct {
	Approved *bool `json:"approved"`
}

// AuditListResp is the body of GET /v1/audit.
type AuditListResp struct {
	Records  []audit.Row `json:"records"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
