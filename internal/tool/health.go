package tool

import (
	"sync"
	"sync/atomic"
	"time"
)

// healthTracker counts consecutive timeouts per tool and trips a
// cool-down once the threshold is reached. Reads are lock-free.
type healthTracker struct {
	store     sync.Map // map[string]*toolHealth
	threshold int32
	cooldown  time.Duration
}

type toolHealth struct {
	consecutive      atomic.Int32
	unavailableUntil atomic.Int64 // unix nanos, 0 = available
}

func newHealthTracker(threshold int, cooldown time.Duration) *healthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &healthTracker{threshold: int32(threshold), cooldown: cooldown}
}

func (h *healthTracker) get(name string) *toolHealth {
	if v, ok := h.store.Load(name); ok {
		return v.(*toolHealth)
	}
	v, _ := h.store.LoadOrStore(name, &toolHealth{})
	return v.(*toolHealth)
}

// available reports whether name may be dispatched at now.
func (h *healthTracker) available(name string, now time.Time) bool {
	v, ok := h.store.Load(name)
	if !ok {
		return true
	}
	until := v.(*toolHealth).unavailableUntil.Load()
	return until == 0 || now.UnixNano() >= until
}

// recordTimeout returns true when this timeout tripped the cool-down.
func (h *healthTracker) recordTimeout(name string, now time.Time) bool {
	th := h.get(name)
	if th.consecutive.Add(1) < h.threshold {
		return false
	}
	th.consecutive.Store(0)
	th.unavailableUntil.Store(now.Add(h.cooldown).UnixNano())
	return true
}

func (h *healthTracker) recordCompletion(name string) {
	v, ok := h.store.Load(name)
	if !ok {
		return
	}
	th := v.(*toolHealth)
	th.consecutive.Store(0)
	th.unavailableUntil.Store(0)
}
