package crawler

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetryAttempts is the per-tier attempt budget.
const DefaultRetryAttempts = 3

// DefaultWaitSchedule is the wait before attempts 2, 3, ... of a tier.
var DefaultWaitSchedule = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

// Sleeper pauses between attempts. It must return early with an error when
// ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// AttemptFunc performs one attempt of a tier.
type AttemptFunc func(ctx context.Context, attempt int) (Page, error)

// AttemptObserver is notified after every attempt.
type AttemptObserver func(attempt int, err error)

// RetryController runs a tier with a bounded attempt count and a fixed wait
// schedule. Fatal errors stop the loop immediately.
type RetryController struct {
	attempts int
	schedule []time.Duration
	sleeper  Sleeper
}

// NewRetryController builds a controller. Non-positive attempts fall back to
// DefaultRetryAttempts and an empty schedule to DefaultWaitSchedule. A nil
// sleeper uses real timers.
func NewRetryController(attempts int, schedule []time.Duration, sleeper Sleeper) *RetryController {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if len(schedule) == 0 {
		schedule = DefaultWaitSchedule
	}
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	return &RetryController{
		attempts: attempts,
		schedule: append([]time.Duration(nil), schedule...),
		sleeper:  sleeper,
	}
}

// Attempts returns the configured budget.
func (r *RetryController) Attempts() int {
	return r.attempts
}

// Wait returns the pause before the given 1-based attempt. The first attempt
// never waits; later attempts index the schedule, clamped to its last entry.
func (r *RetryController) Wait(attempt int) time.Duration {
	if attempt <= 1 || len(r.schedule) == 0 {
		return 0
	}
	i := attempt - 2
	if i >= len(r.schedule) {
		i = len(r.schedule) - 1
	}
	return r.schedule[i]
}

// Run executes fn until it succeeds with non-empty content, returns a fatal
// error, or the budget is spent. It returns the page, the number of attempts
// made and the last error. Empty pages count as transient failures.
func (r *RetryController) Run(ctx context.Context, tier Tier, fn AttemptFunc, observe AttemptObserver) (Page, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			if err := r.sleeper.Sleep(ctx, r.Wait(attempt)); err != nil {
				return Page{}, attempt - 1, lastErr
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = NewFetchError(tier, KindNetwork, "", err)
			}
			return Page{}, attempt - 1, lastErr
		}

		page, err := fn(ctx, attempt)
		if err == nil && page.Empty() {
			err = NewFetchError(tier, KindEmptyContent, "", fmt.Errorf("attempt %d returned no content", attempt))
		}
		if observe != nil {
			observe(attempt, err)
		}
		if err == nil {
			return page, attempt, nil
		}
		lastErr = err
		if IsFatal(err) {
			return Page{}, attempt, err
		}
	}
	return Page{}, r.attempts, lastErr
}
