package crawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is the shared capacity gate for in-flight network operations. An
// optional, smaller browser gate is layered inside it for rendered attempts.
type Limiter struct {
	shared   *semaphore.Weighted
	browser  *semaphore.Weighted
	capacity int64

	inFlight    atomic.Int64
	maxObserved atomic.Int64
	onChange    func(inFlight int64)
}

// NewLimiter builds a gate admitting at most capacity concurrent operations.
// browserCapacity <= 0 disables the separate browser gate.
func NewLimiter(capacity, browserCapacity int) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("concurrency limit must be > 0")
	}
	l := &Limiter{
		shared:   semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
	if browserCapacity > 0 {
		l.browser = semaphore.NewWeighted(int64(browserCapacity))
	}
	return l, nil
}

// OnChange registers a callback invoked with the in-flight count after every
// acquire and release. It must be set before the limiter is shared.
func (l *Limiter) OnChange(fn func(inFlight int64)) {
	l.onChange = fn
}

// Capacity returns the shared bound.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// Acquire blocks until a shared slot is free, or ctx is done. Rendered
// attempts also take a browser slot while holding the shared one. The
// returned release func must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, tier Tier) (func(), error) {
	if err := l.shared.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	useBrowser := tier == TierRendered && l.browser != nil
	if useBrowser {
		if err := l.browser.Acquire(ctx, 1); err != nil {
			l.shared.Release(1)
			return nil, fmt.Errorf("acquire browser slot: %w", err)
		}
	}
	l.track(1)

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.track(-1)
		if useBrowser {
			l.browser.Release(1)
		}
		l.shared.Release(1)
	}, nil
}

// InFlight returns the number of operations currently holding a slot.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// MaxObserved returns the highest in-flight count seen so far.
func (l *Limiter) MaxObserved() int64 {
	return l.maxObserved.Load()
}

func (l *Limiter) track(delta int64) {
	n := l.inFlight.Add(delta)
	for {
		peak := l.maxObserved.Load()
		if n <= peak || l.maxObserved.CompareAndSwap(peak, n) {
			break
		}
	}
	if l.onChange != nil {
		l.onChange(n)
	}
}
