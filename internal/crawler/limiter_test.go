package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLimiterRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewLimiter(0, 0)
	require.Error(t, err)
}

func TestLimiterBoundsInFlight(t *testing.T) {
	t.Parallel()

	const capacity = 3
	l, err := NewLimiter(capacity, 0)
	require.NoError(t, err)

	var peak atomic.Int64
	l.OnChange(func(n int64) {
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return
			}
		}
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), TierDirect)
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(5 * time.Millisecond)
			release()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, l.MaxObserved(), int64(capacity))
	require.LessOrEqual(t, peak.Load(), int64(capacity))
	require.Equal(t, int64(0), l.InFlight())
}

func TestLimiterBrowserGate(t *testing.T) {
	t.Parallel()

	l, err := NewLimiter(4, 1)
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), TierRendered)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, TierRendered)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	directRelease, err := l.Acquire(context.Background(), TierDirect)
	require.NoError(t, err, "direct attempts do not wait on the browser gate")
	directRelease()

	release()
	release()
	require.Equal(t, int64(0), l.InFlight(), "release is idempotent")

	again, err := l.Acquire(context.Background(), TierRendered)
	require.NoError(t, err)
	again()
}
