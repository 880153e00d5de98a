package upstream

import (
	"context"
	"log"
	"sync"
	"time"
)

// PracticePanther allows a few hundred requests per trailing five minutes.
const (
	DefaultRateQuota  = 300
	DefaultRateWindow = 5 * time.Minute
)

// RateLimiter is a sliding-window request gate. It keeps the timestamps of
// requests issued in the trailing window and, when at capacity, blocks until
// the oldest one exits the window.
type RateLimiter struct {
	mu     sync.Mutex
	quota  int
	window time.Duration
	stamps []time.Time

	now func() time.Time // overridable in tests
}

// NewRateLimiter creates a limiter allowing quota requests per window.
func NewRateLimiter(quota int, window time.Duration) *RateLimiter {
	if quota <= 0 {
		quota = DefaultRateQuota
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		quota:  quota,
		window: window,
		now:    time.Now,
	}
}

// BeforeRequest blocks until issuing one more request would stay within the
// quota, then records the request timestamp. Returns early with the context
// error if ctx is cancelled while waiting.
func (l *RateLimiter) BeforeRequest(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.stamps) < l.quota {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		log.Printf("⏸️ Rate limit reached (%d req / %s), waiting %s", l.quota, l.window, wait.Round(time.Millisecond))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the number of requests recorded in the current window.
func (l *RateLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// prune discards timestamps older than the window. Caller holds l.mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
