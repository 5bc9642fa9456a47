// Package builtin registers the assistant's reference tools: an in-memory
// calendar, date resolution and a plain HTTP fetch.
package builtin

import (
	"fmt"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/triage-ai/langford/internal/tool"
)

const DefaultTimezone = "Europe/Vienna"

// Deps carries what the builtin tools need. Zero values are filled in.
type Deps struct {
	Calendar   *Calendar
	Timezone   string
	HTTPClient *http.Client
	FetchLimit int
	Now        func() time.Time
}

// Register adds every builtin tool to reg in a fixed order.
func Register(reg *tool.Registry, deps Deps) error {
	if deps.Timezone == "" {
		deps.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(deps.Timezone)
	if err != nil {
		return fmt.Errorf("Register: %w", err)
	}
	if deps.Calendar == nil {
		deps.Calendar = NewCalendar(loc)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.FetchLimit <= 0 {
		deps.FetchLimit = defaultFetchLimit
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	resolver := &dateResolver{defaultTZ: deps.Timezone, now: deps.Now}
	web := &fetcher{client: deps.HTTPClient, limit: deps.FetchLimit}

	tools := []struct {
		contract tool.Contract
		impl     tool.Func
	}{
		{resolveDateContract, resolver.resolve},
		{listEventsContract, deps.Calendar.listEvents},
		{createEventContract, deps.Calendar.create},
		{deleteAllContract, deps.Calendar.deleteAll},
		{webFetchContract, web.fetch},
	}
	for _, t := range tools {
		if err := reg.Register(t.contract, t.impl); err != nil {
			return fmt.Errorf("Register: %w", err)
		}
	}
	return nil
}
