package crawler

import (
	"errors"
	"strings"
	"sync"
)

var errHostBlocked = errors.New("host refused repeated direct requests")

// hostBreaker counts blocked direct responses per host and opens once a host
// reaches the threshold. A nil breaker never opens.
type hostBreaker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
}

func newHostBreaker(threshold int) *hostBreaker {
	if threshold <= 0 {
		return nil
	}
	return &hostBreaker{
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// Open reports whether direct requests to host should be skipped.
func (b *hostBreaker) Open(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[key] >= b.threshold
}

// Record notes the result of a direct tier for host. Only blocked responses
// count; a success resets the counter.
func (b *hostBreaker) Record(host string, err error) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		delete(b.counts, key)
	case KindOf(err) == KindBlocked:
		b.counts[key]++
	}
	return b.counts[key] >= b.threshold
}
