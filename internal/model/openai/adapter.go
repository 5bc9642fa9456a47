package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/model"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.1-70b-versatile"
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 4 << 20
)

// Config configures an Adapter for any OpenAI-compatible chat completions
// endpoint (Groq, OpenRouter, vLLM, ...).
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Adapter implements model.Adapter over /chat/completions with function
// tools.
type Adapter struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, http: hc, logger: cfg.Logger}
}

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDefinition struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []message        `json:"messages"`
	Tools       []toolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			ToolCalls []toolCall      `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Converse sends the history and tools and maps the first choice to a
// model.Response.
func (a *Adapter) Converse(ctx context.Context, req model.Request) (model.Response, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("Converse: %w", err)
	}
	raw, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(raw, req.TurnID)
}

func (a *Adapter) buildRequest(req model.Request) chatRequest {
	msgs := make([]message, 0, len(req.History)+2)
	if req.Instructions != "" {
		msgs = append(msgs, message{Role: "system", Content: req.Instructions})
	}
	msgs = append(msgs, encodeHistory(req.History)...)
	if req.Correction != "" {
		msgs = append(msgs, message{Role: "system", Content: req.Correction})
	}

	contracts := append(append([]tool.Contract(nil), req.Tools...), model.FinalAnswerContract())
	tools := make([]toolDefinition, 0, len(contracts))
	for _, c := range contracts {
		params := c.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		tools = append(tools, toolDefinition{
			Type:     "function",
			Function: functionSpec{Name: c.Name, Description: c.Description, Parameters: params},
		})
	}

	return chatRequest{
		Model:       a.cfg.Model,
		Messages:    msgs,
		Tools:       tools,
		ToolChoice:  "auto",
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
}

// encodeHistory maps turns to chat messages. Consecutive tool_call turns
// become one assistant message so each batch keeps its provider shape.
func encodeHistory(turns []conversation.Turn) []message {
	var out []message
	for _, t := range turns {
		switch t.Kind {
		case conversation.KindUserMessage:
			out = append(out, message{Role: "user", Content: t.Text})
		case conversation.KindAssistantMessage:
			out = append(out, message{Role: "assistant", Content: t.Text})
		case conversation.KindToolCall:
			tc := toolCall{
				ID:   t.Call.ID,
				Type: "function",
				Function: functionCall{
					Name:      t.Call.ToolName,
					Arguments: argumentString(t.Call.Arguments),
				},
			}
			if n := len(out); n > 0 && out[n-1].Role == "assistant" && len(out[n-1].ToolCalls) > 0 {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, tc)
				continue
			}
			out = append(out, message{Role: "assistant", ToolCalls: []toolCall{tc}})
		case conversation.KindToolResult:
			out = append(out, message{Role: "tool", ToolCallID: t.Result.RequestID, Content: t.Result.Content()})
		}
	}
	return out
}

func argumentString(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	return string(raw)
}

func (a *Adapter) post(ctx context.Context, body []byte) ([]byte, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			a.logger.Warn("retrying model request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		raw, status, err := a.do(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("model provider: HTTP %d", status)
			continue
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("model provider: HTTP %d: %s", status, truncate(string(raw), 512))
		}
		return raw, nil
	}
	return nil, fmt.Errorf("model provider: request failed after %d retries: %w", a.cfg.MaxRetries, lastErr)
}

func (a *Adapter) do(ctx context.Context, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}

func parseResponse(raw []byte, turnID string) (model.Response, error) {
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, malformed("response is not valid JSON", raw)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("model provider: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, malformed("no choices in response", raw)
	}
	msg := out.Choices[0].Message

	if len(msg.ToolCalls) == 0 {
		text := strings.TrimSpace(parseContent(msg.Content))
		if text == "" {
			return nil, malformed("empty response", raw)
		}
		return model.FinalAnswer{Text: text}, nil
	}

	calls := make([]tool.CallRequest, 0, len(msg.ToolCalls))
	seen := make(map[string]bool, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		if tc.ID == "" {
			return nil, malformed(fmt.Sprintf("tool call %d has no id", i), raw)
		}
		if seen[tc.ID] {
			return nil, malformed(fmt.Sprintf("duplicate tool call id %q", tc.ID), raw)
		}
		seen[tc.ID] = true
		if tc.Function.Name == "" {
			return nil, malformed(fmt.Sprintf("tool call %q has no function name", tc.ID), raw)
		}
		args, err := normalizeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, malformed(fmt.Sprintf("tool call %q: %v", tc.ID, err), raw)
		}
		if tc.Function.Name == model.FinalAnswerTool {
			if len(msg.ToolCalls) > 1 {
				return nil, malformed("final_answer must be the only call in a response", raw)
			}
			var fa struct {
				Answer *string `json:"answer"`
			}
			if err := json.Unmarshal(args, &fa); err != nil || fa.Answer == nil {
				return nil, malformed("final_answer requires a string answer", raw)
			}
			return model.FinalAnswer{Text: *fa.Answer}, nil
		}
		calls = append(calls, tool.CallRequest{
			ID:        tc.ID,
			ToolName:  tc.Function.Name,
			Arguments: args,
			TurnID:    turnID,
		})
	}
	return model.ToolCallsRequested{Calls: calls}, nil
}

var errNotObject = errors.New("arguments must be a JSON object")

func normalizeArguments(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		if json.Valid([]byte(s)) {
			return nil, errNotObject
		}
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// parseContent accepts string, null, or an array of text parts.
func parseContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func malformed(reason string, raw []byte) error {
	return &model.MalformedResponseError{Reason: reason, Raw: truncate(string(raw), 2048)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
