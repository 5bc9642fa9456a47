package evaluators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/langford/internal/guardrail"
)

// Pre-compiled PII patterns for argument scanning.
var argPIIPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "SSN"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Visa)"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Mastercard)"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "credit card (Amex)"},
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), "IBAN"},
}

// Pre-compiled injection patterns for argument scanning.
var argInjectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution"},
	{regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`), "prompt injection"},
	{regexp.MustCompile(`(?i)\bfile://|\b(169\.254\.169\.254|metadata\.google\.internal)\b`), "internal resource access"},
}

// ArgumentScanEvaluator rejects arguments carrying injection payloads or,
// when the policy asks for it, PII.
type ArgumentScanEvaluator struct{}

func NewArgumentScanEvaluator() *ArgumentScanEvaluator {
	return &ArgumentScanEvaluator{}
}

func (e *ArgumentScanEvaluator) Name() string {
	return "argument_scan"
}

func (e *ArgumentScanEvaluator) Evaluate(ctx context.Context, req *guardrail.EvalRequest) (*guardrail.EvalResult, error) {
	if !req.Policy.ScanArguments && !req.Policy.ScanPII {
		return &guardrail.EvalResult{Decision: guardrail.Approve()}, nil
	}
	args := string(req.Call.Arguments)
	var issues []string

	if req.Policy.ScanArguments {
		for _, p := range argInjectionPatterns {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if p.re.MatchString(args) {
				issues = append(issues, fmt.Sprintf("injection pattern in arguments: %s", p.detail))
			}
		}
	}

	if req.Policy.ScanPII {
		for _, p := range argPIIPatterns {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if p.re.MatchString(args) {
				issues = append(issues, fmt.Sprintf("PII detected in arguments: %s", p.detail))
			}
		}
	}

	if len(issues) == 0 {
		return &guardrail.EvalResult{Decision: guardrail.Approve()}, nil
	}
	details := strings.Join(issues, "; ")
	return &guardrail.EvalResult{
		Decision: guardrail.Deny("arguments rejected: " + details),
		Details:  details,
	}, nil
}
