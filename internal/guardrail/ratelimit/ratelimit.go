// Package ratelimit provides sliding-window call admission shared across
// sessions.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits a call for key when fewer than limit calls were admitted
// within the trailing window. Check and record happen atomically.
type Limiter interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// MemoryLimiter keeps a timestamp log per key. Suitable for a single process.
type MemoryLimiter struct {
	windows sync.Map // map[string]*slidingLog
	now     func() time.Time
}

type slidingLog struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now}
}

func (l *MemoryLimiter) Reserve(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	v, _ := l.windows.LoadOrStore(key, &slidingLog{})
	sl := v.(*slidingLog)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	keep := sl.stamps[:0]
	for _, ts := range sl.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	sl.stamps = keep

	if len(sl.stamps) >= limit {
		return false, nil
	}
	sl.stamps = append(sl.stamps, now)
	return true, nil
}
