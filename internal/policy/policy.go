package policy

import (
	"time"

	"github.com/triage-ai/langford/internal/tool"
)

// RateLimit defines a sliding-window rate constraint.
type RateLimit struct {
	MaxCalls      int `json:"max_calls" yaml:"max_calls"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Window returns the window length as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Enabled reports whether the limit constrains anything.
func (r *RateLimit) Enabled() bool {
	return r != nil && r.MaxCalls > 0 && r.WindowSeconds > 0
}

// GuardrailPolicy is the per-tool guardrail configuration.
type GuardrailPolicy struct {
	// RequiresConfirmation adds confirmation to non-destructive tools.
	// Destructive tools always require it.
	RequiresConfirmation *bool      `json:"requires_confirmation,omitempty" yaml:"requires_confirmation"`
	RateLimit            *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit"`
	ScanArguments        bool       `json:"scan_arguments,omitempty" yaml:"scan_arguments"`
	ScanPII              bool       `json:"scan_pii,omitempty" yaml:"scan_pii"`
}

// ConfirmationRequired resolves the confirmation flag for a tool of the
// given class. A policy can only add confirmation; destructive tools
// require it whatever the flag says.
func (p GuardrailPolicy) ConfirmationRequired(class tool.SideEffectClass) bool {
	if class == tool.Destructive {
		return true
	}
	return p.RequiresConfirmation != nil && *p.RequiresConfirmation
}

// Table maps tool names to policies. It is built once before serving and
// is read-only afterwards.
type Table struct {
	Default        GuardrailPolicy            `json:"default" yaml:"default"`
	Tools          map[string]GuardrailPolicy `json:"tools" yaml:"tools"`
	CascadeDenials bool                       `json:"cascade_denials" yaml:"cascade_denials"`
}

// NewTable returns an empty table with default policies only.
func NewTable() *Table {
	return &Table{Tools: make(map[string]GuardrailPolicy)}
}

// For returns the policy for toolName, falling back to the default.
func (t *Table) For(toolName string) GuardrailPolicy {
	if t == nil {
		return GuardrailPolicy{}
	}
	if p, ok := t.Tools[toolName]; ok {
		return p
	}
	return t.Default
}

// Bool is a helper for building policies in code.
func Bool(v bool) *bool { return &v }
