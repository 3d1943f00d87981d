package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saperet/photoset/internal/domain"
)

// Budget enforces a rolling-window request budget shared by every caller
// that talks to the remote API. A call that would exceed the budget blocks
// until the oldest request leaves the window, with a cap on total wait before
// domain.ErrRateLimitExceeded surfaces.
//
// The clock is injectable so tests can drive the window deterministically.
// State is scoped to the process run and resets on restart.
type Budget struct {
	mu      sync.Mutex
	stamps  []time.Time // acquisition times inside the current window
	frozen  time.Time   // no tokens before this instant (provider backoff)
	limit   int
	window  time.Duration
	maxWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBudget creates a budget of limit requests per window, blocking at most
// maxWait per acquisition.
func NewBudget(limit int, window, maxWait time.Duration) *Budget {
	return &Budget{
		limit:   limit,
		window:  window,
		maxWait: maxWait,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

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

// SetClock replaces the time source and sleeper. Intended for tests.
func (b *Budget) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.sleep = sleep
}

// Acquire consumes one request token, blocking while the rolling-window
// count is at the limit. It returns domain.ErrRateLimitExceeded once the
// accumulated wait would pass the configured ceiling, and the context error
// if the caller is cancelled while waiting.
func (b *Budget) Acquire(ctx context.Context) error {
	deadline := b.nowLocked().Add(b.maxWait)

	for {
		wait, ok := b.tryAcquire()
		if ok {
			return nil
		}
		if b.nowLocked().Add(wait).After(deadline) {
			return fmt.Errorf("budget of %d per %s: next token in %s: %w",
				b.limit, b.window, wait, domain.ErrRateLimitExceeded)
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Freeze blocks token handout for the given duration. Called when the
// provider itself answers with a rate-limit status, so the next Acquire
// re-enters the wait path instead of retrying immediately.
func (b *Budget) Freeze(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := b.now().Add(d)
	if until.After(b.frozen) {
		b.frozen = until
	}
}

// Remaining reports how many tokens are available right now.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.limit - len(b.stamps)
}

func (b *Budget) nowLocked() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now()
}

// tryAcquire takes a token if one is free, otherwise returns how long to
// wait before the next attempt.
func (b *Budget) tryAcquire() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.frozen) {
		return b.frozen.Sub(now), false
	}
	b.prune(now)
	if len(b.stamps) < b.limit {
		b.stamps = append(b.stamps, now)
		return 0, true
	}
	// Oldest stamp leaves the window first.
	return b.stamps[0].Add(b.window).Sub(now), false
}

// prune drops stamps that have left the rolling window. Callers hold b.mu.
func (b *Budget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	b.stamps = b.stamps[i:]
}
