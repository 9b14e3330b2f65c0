package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if inFlightOperations == nil || storeWriteFailuresTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	SetInFlight(7)
	if val := testutil.ToFloat64(inFlightOperations); val != 7 {
		t.Errorf("Expected in-flight gauge to be 7, got %f", val)
	}

	before := testutil.ToFloat64(storeWriteFailuresTotal.WithLabelValues("true"))
	ObserveStoreWriteFailure(true)
	if val := testutil.ToFloat64(storeWriteFailuresTotal.WithLabelValues("true")); val != before+1 {
		t.Errorf("Expected final store failures to grow by 1, got %f -> %f", before, val)
	}

	before = testutil.ToFloat64(challengesTotal.WithLabelValues("direct"))
	ObserveChallenge("direct")
	if val := testutil.ToFloat64(challengesTotal.WithLabelValues("direct")); val != before+1 {
		t.Errorf("Expected challenge counter to grow by 1, got %f -> %f", before, val)
	}

	ObserveInsecureTLSRetry()
	ObserveDNSUnresolved()
	ObserveArchiveRateLimitDelay(0)
	if val := testutil.CollectAndCount(archiveRateLimitDelay); val != 1 {
		t.Errorf("Expected archive delay histogram to be collected, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
