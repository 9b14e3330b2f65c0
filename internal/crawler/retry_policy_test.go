package crawler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, w := range s.waits {
		sum += w
	}
	return sum
}

func htmlPage(body string) Page {
	return Page{Content: []byte(body), ContentKind: ContentHTML, StatusCode: 200}
}

func TestRetryControllerWait(t *testing.T) {
	t.Parallel()

	r := NewRetryController(5, nil, nil)
	require.Equal(t, time.Duration(0), r.Wait(1))
	require.Equal(t, time.Second, r.Wait(2))
	require.Equal(t, 3*time.Second, r.Wait(3))
	require.Equal(t, 5*time.Second, r.Wait(4))
	require.Equal(t, 5*time.Second, r.Wait(5), "schedule clamps to its last entry")
	require.Equal(t, 5, r.Attempts())
}

func TestRetryControllerExhaustsTransientErrors(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	r := NewRetryController(3, DefaultWaitSchedule, sleeper)
	var observed []int
	calls := 0
	_, n, err := r.Run(context.Background(), TierDirect, func(context.Context, int) (Page, error) {
		calls++
		return Page{}, NewFetchError(TierDirect, KindNetwork, "u", context.DeadlineExceeded)
	}, func(attempt int, err error) {
		require.Error(t, err)
		observed = append(observed, attempt)
	})

	require.Error(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2, 3}, observed)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, sleeper.waits)
	require.Equal(t, 4*time.Second, sleeper.total())
}

func TestRetryControllerStopsOnFatal(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	r := NewRetryController(3, nil, sleeper)
	calls := 0
	_, n, err := r.Run(context.Background(), TierDirect, func(context.Context, int) (Page, error) {
		calls++
		return Page{}, StatusError(TierDirect, "u", 403)
	}, nil)

	require.Equal(t, KindBlocked, KindOf(err))
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.waits)
}

func TestRetryControllerSucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	r := NewRetryController(3, nil, &recordingSleeper{})
	page, n, err := r.Run(context.Background(), TierRendered, func(_ context.Context, attempt int) (Page, error) {
		if attempt == 1 {
			return Page{}, nil
		}
		return htmlPage("<html>ok</html>"), nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "<html>ok</html>", string(page.Content))
}

func TestRetryControllerEmptyContentIsTransient(t *testing.T) {
	t.Parallel()

	r := NewRetryController(2, nil, &recordingSleeper{})
	_, n, err := r.Run(context.Background(), TierDirect, func(context.Context, int) (Page, error) {
		return Page{Content: []byte("x"), ContentKind: ContentEmpty}, nil
	}, nil)

	require.Equal(t, KindEmptyContent, KindOf(err))
	require.Equal(t, 2, n)
}

func TestRetryControllerHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetryController(3, nil, &recordingSleeper{})
	first := errors.New("connection reset")
	_, n, err := r.Run(ctx, TierDirect, func(context.Context, int) (Page, error) {
		cancel()
		return Page{}, first
	}, nil)

	require.ErrorIs(t, err, first)
	require.Equal(t, 1, n)
}

func TestTimerSleeperCancels(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := timerSleeper{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, timerSleeper{}.Sleep(context.Background(), 0))
}
