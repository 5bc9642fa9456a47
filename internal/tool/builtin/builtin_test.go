package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

// Wednesday 2024-05-01 10:00 in Vienna.
func fixedNow() time.Time {
	loc, _ := time.LoadLocation(DefaultTimezone)
	return time.Date(2024, 5, 1, 10, 0, 0, 0, loc)
}

func newRegistry(t *testing.T, deps Deps) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(tool.RegistryConfig{CallTimeout: time.Second, Logger: zap.NewNop()})
	if deps.Now == nil {
		deps.Now = fixedNow
	}
	if err := Register(reg, deps); err != nil {
		t.Fatal(err)
	}
	return reg
}

func call(t *testing.T, reg *tool.Registry, name, args string) tool.CallResult {
	t.Helper()
	res, _ := reg.Execute(context.Background(), tool.NewCallRequest(name, json.RawMessage(args), "t1"))
	return res
}

func TestRegister_Order(t *testing.T) {
	reg := newRegistry(t, Deps{})
	var names []string
	for _, c := range reg.ListEnabled() {
		names = append(names, c.Name)
	}
	want := "datetime.resolve,calendar.list_events,calendar.create,calendar.delete_all,web.fetch"
	if strings.Join(names, ",") != want {
		t.Fatalf("unexpected order %v", names)
	}
	c, _, err := reg.Lookup("calendar.delete_all")
	if err != nil || c.SideEffect != tool.Destructive {
		t.Fatal("delete_all must be destructive")
	}
}

func TestResolveExpression(t *testing.T) {
	base := fixedNow()
	cases := map[string]string{
		"Friday 3pm":               "2024-05-03T15:00:00+02:00",
		"next friday at 15:00":     "2024-05-03T15:00:00+02:00",
		"tomorrow 14:00":           "2024-05-02T14:00:00+02:00",
		"day after tomorrow noon":  "2024-05-03T12:00:00+02:00",
		"wednesday":                "2024-05-08T09:00:00+02:00",
		"friday in two weeks 10am": "2024-05-17T10:00:00+02:00",
		"2024-06-10 9:30":          "2024-06-10T09:30:00+02:00",
		"in 3 days at 8pm":         "2024-05-04T20:00:00+02:00",
		"today 12am":               "2024-05-01T00:00:00+02:00",
	}
	for expr, want := range cases {
		got, err := resolveExpression(expr, base)
		if err != nil {
			t.Fatalf("%q: %v", expr, err)
		}
		if got.Format(time.RFC3339) != want {
			t.Fatalf("%q: expected %s, got %s", expr, want, got.Format(time.RFC3339))
		}
	}
}

func TestResolveExpression_Unparsable(t *testing.T) {
	for _, expr := range []string{"whenever", "at 25:00 tomorrow", "   "} {
		if _, err := resolveExpression(expr, fixedNow()); !errors.Is(err, errUnparsable) {
			t.Fatalf("%q: expected unparsable, got %v", expr, err)
		}
	}
}

func TestDatetimeResolve_Tool(t *testing.T) {
	reg := newRegistry(t, Deps{})
	res := call(t, reg, "datetime.resolve", `{"expression":"Friday 3pm"}`)
	if !res.Succeeded() {
		t.Fatalf("unexpected failure %s", res.Outcome.Reason)
	}
	if res.Outcome.Payload["iso_datetime"] != "2024-05-03T15:00:00+02:00" || res.Outcome.Payload["timezone"] != DefaultTimezone {
		t.Fatalf("unexpected payload %v", res.Outcome.Payload)
	}

	res = call(t, reg, "datetime.resolve", `{"expression":"Friday 3pm","timezone":"Mars/Olympus"}`)
	if res.Succeeded() || !strings.Contains(res.Outcome.Reason, "invalid timezone") {
		t.Fatalf("expected timezone failure, got %+v", res.Outcome)
	}
}

func TestCalendar_CreateListDelete(t *testing.T) {
	loc, _ := time.LoadLocation(DefaultTimezone)
	cal := NewCalendar(loc)
	reg := newRegistry(t, Deps{Calendar: cal})

	res := call(t, reg, "calendar.create", `{"title":"Team sync","start":"2024-05-03T15:00:00+02:00","duration_minutes":45}`)
	if !res.Succeeded() {
		t.Fatalf("create failed: %s", res.Outcome.Reason)
	}
	if res.Outcome.Payload["end"] != "2024-05-03T15:45:00+02:00" {
		t.Fatalf("unexpected end %v", res.Outcome.Payload["end"])
	}
	call(t, reg, "calendar.create", `{"title":"Dentist","start":"2024-05-04T09:00"}`)

	res = call(t, reg, "calendar.list_events", `{"date":"2024-05-03"}`)
	events := res.Outcome.Payload["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected one event on 2024-05-03, got %d", len(events))
	}

	res = call(t, reg, "calendar.create", `{"title":"Bad","start":"Friday"}`)
	if res.Succeeded() {
		t.Fatal("expected non ISO start to fail")
	}

	res = call(t, reg, "calendar.delete_all", `{}`)
	if !res.Succeeded() || res.Outcome.Payload["deleted"] != 2 {
		t.Fatalf("unexpected delete result %+v", res.Outcome)
	}
	if len(cal.Events()) != 0 {
		t.Fatal("calendar must be empty")
	}
}

func TestWebFetch_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client(), FetchLimit: 10})
	res := call(t, reg, "web.fetch", `{"url":"`+srv.URL+`"}`)
	if !res.Succeeded() {
		t.Fatalf("fetch failed: %s", res.Outcome.Reason)
	}
	if res.Outcome.Payload["body"] != "aaaaaaaaaa" || res.Outcome.Payload["truncated"] != true {
		t.Fatalf("unexpected payload %v", res.Outcome.Payload)
	}

	if _, err := reg.Execute(context.Background(), tool.NewCallRequest("web.fetch", json.RawMessage(`{"url":"file:///etc/passwd"}`), "t1")); err == nil {
		t.Fatal("expected schema rejection for non-http url")
	}
}

func TestTrimPartialRune(t *testing.T) {
	euro := []byte("€") // 3 bytes
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("abc"), "abc"},
		{"complete rune", append([]byte("a"), euro...), "a€"},
		{"cut after one byte", append([]byte("a"), euro[:1]...), "a"},
		{"cut after two bytes", append([]byte("a"), euro[:2]...), "a"},
		{"invalid byte early", append([]byte{'a', 0xff, 'b'}, euro[:2]...), "a\xffb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(trimPartialRune(tc.in)); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWebFetch_InvalidUTF8KeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(append([]byte{0xff}, strings.Repeat("b", 100)...))
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client(), FetchLimit: 10})
	res := call(t, reg, "web.fetch", `{"url":"`+srv.URL+`"}`)
	if !res.Succeeded() {
		t.Fatalf("fetch failed: %s", res.Outcome.Reason)
	}
	if got := res.Outcome.Payload["body"]; got != "\uFFFDbbbbbbbbb" {
		t.Fatalf("body = %q", got)
	}
}
