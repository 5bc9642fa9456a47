package builtin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/langford/internal/tool"
)

var resolveDateContract = tool.Contract{
	Name: "datetime.resolve",
	Description: "Convert a natural language date/time expression such as \"tomorrow 14:00\" or " +
		"\"next Friday at 3pm\" into an absolute ISO-8601 datetime. Use it before calendar tools " +
		"instead of guessing dates.",
	InputSchema: map[string]any{
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
			"now_iso":    map[string]any{"type": "string"},
			"timezone":   map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	},
	OutputSchema: map[string]any{
		"type":     "object",
		"required": []any{"iso_datetime", "date", "time", "timezone", "original_expression"},
	},
	SideEffect: tool.ReadOnly,
}

var (
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	inWeeksRe  = regexp.MustCompile(`\bin (\d+|one|two|three|four) weeks?\b`)
	inDaysRe   = regexp.MustCompile(`\bin (\d+|one|two|three|four|five|six|seven) days?\b`)
	smallWords = map[string]int{"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7}
	weekdays   = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
)

var errUnparsable = errors.New("could not parse date expression")

type dateResolver struct {
	defaultTZ string
	now       func() time.Time
}

func (r *dateResolver) resolve(_ context.Context, args map[string]any) (map[string]any, error) {
	expr, _ := args["expression"].(string)
	tzName := r.defaultTZ
	if v, ok := args["timezone"].(string); ok && v != "" {
		tzName = v
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q", tzName)
	}

	base := r.now().In(loc)
	if v, ok := args["now_iso"].(string); ok && v != "" {
		b, err := parseDateTime(v, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid now_iso: %w", err)
		}
		base = b.In(loc)
	}

	t, err := resolveExpression(expr, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, expr)
	}
	return map[string]any{
		"iso_datetime":        t.Format(time.RFC3339),
		"date":                t.Format(time.DateOnly),
		"time":                t.Format("15:04"),
		"timezone":            tzName,
		"original_expression": expr,
	}, nil
}

// resolveExpression understands a small English grammar: an optional day
// part (today, tomorrow, day after tomorrow, [next] <weekday>, in N days,
// <weekday> in N weeks, YYYY-MM-DD) and an optional clock time. Bare
// weekdays prefer the future.
func resolveExpression(expr string, base time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return time.Time{}, errUnparsable
	}
	day := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, base.Location())
	matchedDay := false

	switch {
	case isoDateRe.MatchString(s):
		m := isoDateRe.FindStringSubmatch(s)
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		day = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, base.Location())
		s = strings.Replace(s, m[0], " ", 1)
		matchedDay = true
	case strings.Contains(s, "day after tomorrow"):
		day = day.AddDate(0, 0, 2)
		s = strings.Replace(s, "day after tomorrow", " ", 1)
		matchedDay = true
	case strings.Contains(s, "tomorrow"):
		day = day.AddDate(0, 0, 1)
		s = strings.Replace(s, "tomorrow", " ", 1)
		matchedDay = true
	case strings.Contains(s, "today"), strings.Contains(s, "tonight"):
		s = strings.NewReplacer("today", " ", "tonight", " ").Replace(s)
		matchedDay = true
	case inDaysRe.MatchString(s):
		m := inDaysRe.FindStringSubmatch(s)
		day = day.AddDate(0, 0, count(m[1]))
		s = strings.Replace(s, m[0], " ", 1)
		matchedDay = true
	}

	if !matchedDay {
		for wd, name := range weekdays {
			if !strings.Contains(s, name) {
				continue
			}
			ahead := (wd - int(base.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			day = day.AddDate(0, 0, ahead)
			if m := inWeeksRe.FindStringSubmatch(s); m != nil {
				day = day.AddDate(0, 0, 7*count(m[1]))
				s = strings.Replace(s, m[0], " ", 1)
			}
			s = strings.NewReplacer("next "+name, " ", name, " ").Replace(s)
			matchedDay = true
			break
		}
	}

	hour, minute, hasClock, err := parseClock(s)
	if err != nil {
		return time.Time{}, err
	}
	if !matchedDay && !hasClock {
		return time.Time{}, errUnparsable
	}
	if !hasClock {
		hour, minute = 9, 0
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, base.Location()), nil
}

func parseClock(s string) (hour, minute int, ok bool, err error) {
	switch {
	case strings.Contains(s, "noon"):
		return 12, 0, true, nil
	case strings.Contains(s, "midnight"):
		return 0, 0, true, nil
	}
	var m []string
	for _, c := range clockRe.FindAllStringSubmatch(s, -1) {
		// a bare number without ":" or am/pm is not a time
		if c[2] != "" || c[3] != "" {
			m = c
			break
		}
	}
	if m == nil {
		return 0, 0, false, nil
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false, errUnparsable
	}
	return hour, minute, true, nil
}

func count(s string) int {
	if n, ok := smallWords[s]; ok {
		return n
	}
	n, _ := strconv.Atoi(s)
	return n
}
