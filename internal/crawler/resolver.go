package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DNSResolver checks host resolution through the system resolver and caches
// the answer per host for the lifetime of the run.
type DNSResolver struct {
	resolver *net.Resolver
	timeout  time.Duration

	mu    sync.Mutex
	cache map[string]bool
}

// NewDNSResolver builds a caching resolver. A nil resolver uses net.DefaultResolver.
func NewDNSResolver(resolver *net.Resolver, timeout time.Duration) *DNSResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{resolver: resolver, timeout: timeout, cache: make(map[string]bool)}
}

// Resolves returns false when the host has no address records. Lookup
// failures other than "not found" are returned as errors and not cached.
func (r *DNSResolver) Resolves(ctx context.Context, host string) (bool, error) {
	if host == "" {
		return false, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return true, nil
	}
	r.mu.Lock()
	ok, cached := r.cache[host]
	r.mu.Unlock()
	if cached {
		return ok, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addrs, err := r.resolver.LookupHost(lookupCtx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return false, fmt.Errorf("lookup %s: %w", host, err)
		}
	}
	ok = len(addrs) > 0
	r.mu.Lock()
	r.cache[host] = ok
	r.mu.Unlock()
	return ok, nil
}
