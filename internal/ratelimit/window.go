// Package ratelimit provides a sliding-window limiter: at most N events in any
// rolling period. Unlike a token bucket it never admits a burst above N inside
// the window, which is the contract upstream quotas are written against.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits at most limit events per rolling period.
// It is safe for concurrent use; one instance should be shared by all callers
// drawing from the same quota.
type Window struct {
	limit  int
	period time.Duration

	mu    sync.Mutex
	times []time.Time
	now   func() time.Time
}

// NewWindow creates a limiter. A limit <= 0 disables limiting.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
		times:  make([]time.Time, 0, max(limit, 0)),
		now:    time.Now,
	}
}

// Limit returns the configured events per period.
func (w *Window) Limit() int { return w.limit }

// Period returns the rolling window length.
func (w *Window) Period() time.Duration { return w.period }

// Acquire blocks until a slot is free in the window or ctx is done.
func (w *Window) Acquire(ctx context.Context) error {
	_, err := w.reserve(ctx)
	return err
}

// reserve returns the timestamp recorded for the admitted event.
func (w *Window) reserve(ctx context.Context) (time.Time, error) {
	if w.limit <= 0 {
		return w.now(), ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}

		wait, at := w.tryAdmit()
		if wait <= 0 {
			return at, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit prunes, checks and appends under one lock. It returns how long to
// wait when the window is full.
func (w *Window) tryAdmit() (time.Duration, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) >= w.period {
		cut++
	}
	if cut > 0 {
		w.times = append(w.times[:0], w.times[cut:]...)
	}

	if len(w.times) < w.limit {
		w.times = append(w.times, now)
		return 0, now
	}

	wait := w.period - now.Sub(w.times[0])
	if wait <= 0 {
		// Clock granularity; retry immediately on the next pass.
		wait = time.Millisecond
	}
	return wait, time.Time{}
}

// InFlight reports how many events are currently inside the window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	n := 0
	for _, t := range w.times {
		if now.Sub(t) < w.period {
			n++
		}
	}
	return n
}
