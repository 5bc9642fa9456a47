package builtin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/langford/internal/tool"
)

// Event is one calendar entry.
type Event struct {
	ID    string
	Title string
	Start time.Time
	End   time.Time
}

// Calendar is an in-memory calendar shared by the calendar tools.
type Calendar struct {
	mu     sync.Mutex
	events []Event
	loc    *time.Location
}

func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc}
}

// Events returns a sorted copy of all events.
func (c *Calendar) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (c *Calendar) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *Calendar) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.events)
	c.events = nil
	return n
}

func eventPayload(e Event, loc *time.Location) map[string]any {
	return map[string]any{
		"id":    e.ID,
		"title": e.Title,
		"start": e.Start.In(loc).Format(time.RFC3339),
		"end":   e.End.In(loc).Format(time.RFC3339),
	}
}

var listEventsContract = tool.Contract{
	Name:        "calendar.list_events",
	Description: "List calendar events, optionally only those on one date (YYYY-MM-DD).",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"date": map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		},
		"additionalProperties": false,
	},
	OutputSchema: map[string]any{
		"type":     "object",
		"required": []any{"events"},
		"properties": map[string]any{
			"events": map[string]any{"type": "array"},
		},
	},
	SideEffect: tool.ReadOnly,
}

func (c *Calendar) listEvents(_ context.Context, args map[string]any) (map[string]any, error) {
	var day string
	if v, ok := args["date"].(string); ok {
		day = v
	}
	events := []any{}
	for _, e := range c.Events() {
		if day != "" && e.Start.In(c.loc).Format(time.DateOnly) != day {
			continue
		}
		events = append(events, eventPayload(e, c.loc))
	}
	return map[string]any{"events": events}, nil
}

var createEventContract = tool.Contract{
	Name:        "calendar.create",
	Description: "Create a calendar event. start must be an ISO-8601 datetime, ideally from datetime.resolve.",
	InputSchema: map[string]any{
		"type":     "object",
		"required": []any{"title", "start"},
		"properties": map[string]any{
			"title":            map[string]any{"type": "string", "minLength": 1},
			"start":            map[string]any{"type": "string", "minLength": 10},
			"duration_minutes": map[string]any{"type": "integer", "minimum": 1, "maximum": 1440},
		},
		"additionalProperties": false,
	},
	OutputSchema: map[string]any{
		"type":     "object",
		"required": []any{"id", "title", "start", "end"},
	},
	SideEffect: tool.ReversibleWrite,
}

func (c *Calendar) create(_ context.Context, args map[string]any) (map[string]any, error) {
	title, _ := args["title"].(string)
	raw, _ := args["start"].(string)
	start, err := parseDateTime(raw, c.loc)
	if err != nil {
		return nil, err
	}
	minutes := 30
	if v, ok := args["duration_minutes"].(float64); ok {
		minutes = int(v)
	}
	e := Event{
		ID:    uuid.NewString(),
		Title: title,
		Start: start,
		End:   start.Add(time.Duration(minutes) * time.Minute),
	}
	c.add(e)
	return eventPayload(e, c.loc), nil
}

var deleteAllContract = tool.Contract{
	Name:        "calendar.delete_all",
	Description: "Delete every event in the calendar. Irreversible.",
	InputSchema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	},
	SideEffect: tool.Destructive,
}

func (c *Calendar) deleteAll(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"deleted": c.clear()}, nil
}

// parseDateTime accepts RFC 3339 or a local "2006-01-02T15:04[:05]" form.
func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("start %q is not an ISO-8601 datetime", s)
}
