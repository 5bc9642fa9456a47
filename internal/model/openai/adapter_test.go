package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/model"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/",
		Model:      "test-model",
		MaxRetries: 1,
		Logger:     zap.NewNop(),
	})
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestConverse_FinalAnswerFromContent(t *testing.T) {
	a := newTestAdapter(t, reply(`{"choices":[{"message":{"content":"It is sunny in Vienna."}}]}`))
	resp, err := a.Converse(context.Background(), model.Request{TurnID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	fa, ok := resp.(model.FinalAnswer)
	if !ok || fa.Text != "It is sunny in Vienna." {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestConverse_FinalAnswerTool(t *testing.T) {
	a := newTestAdapter(t, reply(`{"choices":[{"message":{"tool_calls":[
		{"id":"c1","type":"function","function":{"name":"final_answer","arguments":"{\"answer\":\"Done.\"}"}}
	]}}]}`))
	resp, err := a.Converse(context.Background(), model.Request{TurnID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if fa, ok := resp.(model.FinalAnswer); !ok || fa.Text != "Done." {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestConverse_ToolCallsInOrder(t *testing.T) {
	a := newTestAdapter(t, reply(`{"choices":[{"message":{"tool_calls":[
		{"id":"c1","type":"function","function":{"name":"datetime.resolve","arguments":"{\"expression\": \"Friday 15:00\"}"}},
		{"id":"c2","type":"function","function":{"name":"calendar.list_events","arguments":""}}
	]}}]}`))
	resp, err := a.Converse(context.Background(), model.Request{TurnID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := resp.(model.ToolCallsRequested)
	if !ok || len(tc.Calls) != 2 {
		t.Fatalf("unexpected response %#v", resp)
	}
	if tc.Calls[0].ToolName != "datetime.resolve" || tc.Calls[1].ToolName != "calendar.list_events" {
		t.Fatal("calls must keep provider order")
	}
	if string(tc.Calls[0].Arguments) != `{"expression":"Friday 15:00"}` {
		t.Fatalf("expected compacted arguments, got %s", tc.Calls[0].Arguments)
	}
	if string(tc.Calls[1].Arguments) != `{}` {
		t.Fatalf("expected empty object, got %s", tc.Calls[1].Arguments)
	}
	if tc.Calls[0].TurnID != "t1" || tc.Calls[0].ID != "c1" {
		t.Fatalf("unexpected call identity %+v", tc.Calls[0])
	}
}

func TestConverse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":         `{"choices":[{"message":{"content":""}}]}`,
		"no choices":    `{"choices":[]}`,
		"bad arguments": `{"choices":[{"message":{"tool_calls":[{"id":"c1","function":{"name":"x","arguments":"{not json"}}]}}]}`,
		"array args":    `{"choices":[{"message":{"tool_calls":[{"id":"c1","function":{"name":"x","arguments":"[1]"}}]}}]}`,
		"missing id":    `{"choices":[{"message":{"tool_calls":[{"function":{"name":"x","arguments":"{}"}}]}}]}`,
		"not json":      `<html>`,
	}
	for name, body := range cases {
		a := newTestAdapter(t, reply(body))
		_, err := a.Converse(context.Background(), model.Request{})
		var me *model.MalformedResponseError
		if !errors.As(err, &me) {
			t.Fatalf("%s: expected MalformedResponseError, got %v", name, err)
		}
	}
}

func TestConverse_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})
	if _, err := a.Converse(context.Background(), model.Request{}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestConverse_ClientErrorNotMalformed(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := a.Converse(context.Background(), model.Request{})
	var me *model.MalformedResponseError
	if err == nil || errors.As(err, &me) {
		t.Fatalf("expected plain provider error, got %v", err)
	}
}

func TestConverse_RequestShape(t *testing.T) {
	var got chatRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	s := conversation.New("s1")
	s.Append(conversation.UserMessage("Team sync Friday 3pm"))
	c1 := tool.CallRequest{ID: "c1", ToolName: "datetime.resolve", Arguments: json.RawMessage(`{"expression":"Friday 3pm"}`)}
	c2 := tool.CallRequest{ID: "c2", ToolName: "calendar.list_events"}
	s.Append(conversation.ToolCall(c1))
	s.Append(conversation.ToolCall(c2))
	s.Append(conversation.ToolResult(tool.Success(c1, map[string]any{"date": "2024-05-03"})))
	s.Append(conversation.ToolResult(tool.Denied(c2, "rate limited")))

	_, err := a.Converse(context.Background(), model.Request{
		Instructions: "be brief",
		History:      s.History(),
		Tools: []tool.Contract{
			{Name: "datetime.resolve", SideEffect: tool.ReadOnly, InputSchema: map[string]any{"type": "object"}},
			{Name: "calendar.list_events", SideEffect: tool.ReadOnly},
		},
		Correction: "reply with valid JSON",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Model != "test-model" {
		t.Fatalf("unexpected model %q", got.Model)
	}
	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant", "tool", "tool", "system"}
	if len(roles) != len(want) {
		t.Fatalf("unexpected roles %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("unexpected roles %v", roles)
		}
	}
	if len(got.Messages[2].ToolCalls) != 2 {
		t.Fatal("consecutive tool calls must share one assistant message")
	}
	if got.Messages[4].Content != `{"denied":"rate limited"}` {
		t.Fatalf("unexpected denied content %s", got.Messages[4].Content)
	}
	if len(got.Tools) != 3 || got.Tools[0].Function.Name != "datetime.resolve" || got.Tools[2].Function.Name != model.FinalAnswerTool {
		t.Fatalf("unexpected tools %+v", got.Tools)
	}
	if got.Tools[1].Function.Parameters["type"] != "object" {
		t.Fatal("missing schema must default to an object")
	}
}

func TestBuildRequest_Deterministic(t *testing.T) {
	a := New(Config{Model: "m"})
	req := model.Request{Tools: []tool.Contract{{
		Name:        "calendar.create",
		SideEffect:  tool.ReversibleWrite,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"title": map[string]any{"type": "string"}, "start": map[string]any{"type": "string"}}},
	}}}
	first, _ := json.Marshal(a.buildRequest(req))
	for i := 0; i < 20; i++ {
		again, _ := json.Marshal(a.buildRequest(req))
		if string(again) != string(first) {
			t.Fatal("request serialization must be deterministic")
		}
	}
}
