package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesPerHost(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		delays []string
	)
	// 600 per minute is one token every 100ms.
	l := New(Config{
		RequestsPerMinute: 600,
		Burst:             1,
		OnDelay: func(host string, _ time.Duration) {
			mu.Lock()
			delays = append(delays, host)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://archive.example/cdx?url=a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://archive.example/cdx?url=b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "hosts have independent buckets")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"archive.example"}, delays)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerMinute: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://archive.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://archive.example"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "::bad url"))
	}
}
