// Package ratelimit keeps per-user sliding windows of recent admissions in memory.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	KeyPerMinute = "generation_per_minute"
	KeyPerHour   = "generation_per_hour"
)

type windowKey struct {
	user int64
	key  string
}

// Limiter holds ordered admission timestamps per (user, key). It is process-local.
type Limiter struct {
	mu      sync.Mutex
	windows map[windowKey][]time.Time
	spans   map[string]time.Duration
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[windowKey][]time.Time),
		spans:   make(map[string]time.Duration),
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// evict drops timestamps older than window; callers hold mu.
func (l *Limiter) evict(k windowKey, window time.Duration, now time.Time) []time.Time {
	stamps := l.windows[k]
	cutoff := now.Add(-window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) == 0 {
		delete(l.windows, k)
		return nil
	}
	l.windows[k] = stamps
	return stamps
}

// Check admits one event when fewer than limit events happened within window,
// recording it. It reports whether the event was admitted.
func (l *Limiter) Check(user int64, key string, limit int, window time.Duration) bool {
	_, ok := l.Reserve(user, key, limit, window)
	return ok
}

// Reserve is Check returning the recorded timestamp so the exact slot can be released later.
func (l *Limiter) Reserve(user int64, key string, limit int, window time.Duration) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := windowKey{user: user, key: key}
	stamps := l.evict(k, window, now)
	if len(stamps) >= limit {
		return time.Time{}, false
	}
	// keep the slice ordered even if the clock stepped back
	if n := len(stamps); n > 0 && now.Before(stamps[n-1]) {
		now = stamps[n-1]
	}
	l.windows[k] = append(stamps, now)
	if window > l.spans[key] {
		l.spans[key] = window
	}
	return now, true
}

// CancelLast removes the most recent timestamp for (user, key).
func (l *Limiter) CancelLast(user int64, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := windowKey{user: user, key: key}
	stamps := l.windows[k]
	switch len(stamps) {
	case 0:
	case 1:
		delete(l.windows, k)
	default:
		l.windows[k] = stamps[:len(stamps)-1]
	}
}

// Release removes the timestamp recorded by a Reserve call. Releasing an
// already evicted slot is a no-op.
func (l *Limiter) Release(user int64, key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := windowKey{user: user, key: key}
	stamps := l.windows[k]
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Equal(at) {
			stamps = append(stamps[:i], stamps[i+1:]...)
			break
		}
	}
	if len(stamps) == 0 {
		delete(l.windows, k)
		return
	}
	l.windows[k] = stamps
}

// RemainingTime is how long until the oldest timestamp in the window ages out.
func (l *Limiter) RemainingTime(user int64, key string, window time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.evict(windowKey{user: user, key: key}, window, now)
	if len(stamps) == 0 {
		return 0
	}
	remaining := stamps[0].Add(window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Trim evicts expired timestamps everywhere and returns how many windows remain.
func (l *Limiter) Trim() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k := range l.windows {
		window, ok := l.spans[k.key]
		if !ok {
			continue
		}
		l.evict(k, window, now)
	}
	return len(l.windows)
}

// Run trims the tables every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Trim()
		}
	}
}
