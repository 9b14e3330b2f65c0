package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/policy/ratelimit"
)

type fakeArchive struct {
	cdx       http.HandlerFunc
	available http.HandlerFunc
	snapshot  http.HandlerFunc

	cdxCalls      atomic.Int32
	snapshotPaths chan string
}

func newFakeArchive(t *testing.T, fa *fakeArchive) (*httptest.Server, Config) {
	t.Helper()
	fa.snapshotPaths = make(chan string, 8)
	// ServeMux would clean the "//" inside snapshot paths and redirect, so
	// routing is done by prefix.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/cdx/search/cdx":
			fa.cdxCalls.Add(1)
			if fa.cdx == nil {
				_, _ = w.Write([]byte("[]"))
				return
			}
			fa.cdx(w, r)
		case r.URL.Path == "/wayback/available":
			if fa.available == nil {
				_, _ = w.Write([]byte(`{"url":"x","archived_snapshots":{}}`))
				return
			}
			fa.available(w, r)
		case strings.HasPrefix(r.URL.Path, "/web/"):
			select {
			case fa.snapshotPaths <- r.URL.Path:
			default:
			}
			if fa.snapshot == nil {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html><title>Archived advisory</title></html>"))
				return
			}
			fa.snapshot(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, Config{
		CDXEndpoint:          srv.URL + "/cdx/search/cdx",
		AvailabilityEndpoint: srv.URL + "/wayback/available",
		SnapshotBase:         srv.URL + "/web/",
	}
}

func TestAttemptUsesOldestCDXCapture(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{cdx: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "statuscode:200", r.URL.Query().Get("filter"))
		assert.Equal(t, "http://example.com/a", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(`[["timestamp","original"],["20100101000000","http://example.com/a"]]`))
	}}
	srv, cfg := newFakeArchive(t, fa)

	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, crawler.TierArchive, f.Tier())

	page, err := f.Attempt(context.Background(), "http://example.com/a")
	require.NoError(t, err)
	require.Equal(t, crawler.ContentHTML, page.ContentKind)
	require.Equal(t, srv.URL+"/web/20100101000000id_/http://example.com/a", page.ArchiveURL)
	require.Contains(t, string(page.Content), "Archived advisory")
	require.Equal(t, "/web/20100101000000id_/http://example.com/a", <-fa.snapshotPaths)
}

func TestAttemptNewestPolicy(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{cdx: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "-1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[["timestamp","original"],["20240505000000","http://example.com/a"]]`))
	}}
	srv, cfg := newFakeArchive(t, fa)
	cfg.Policy = PolicyNewest

	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)
	page, err := f.Attempt(context.Background(), "http://example.com/a")
	require.NoError(t, err)
	require.True(t, strings.Contains(page.ArchiveURL, "/20240505000000id_/"))
}

func TestAttemptFallsBackToAvailabilityAPI(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{
		cdx: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		available: func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "19960101", r.URL.Query().Get("timestamp"))
			_, _ = w.Write([]byte(`{"archived_snapshots":{"closest":{"available":true,"status":"200","timestamp":"20150101000000","url":"http://web.archive.org/web/20150101000000/http://example.com/a"}}}`))
		},
	}
	srv, cfg := newFakeArchive(t, fa)

	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)
	page, err := f.Attempt(context.Background(), "http://example.com/a")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/web/20150101000000id_/http://example.com/a", page.ArchiveURL)
}

func TestAttemptNoSnapshotIsFatal(t *testing.T) {
	t.Parallel()

	srv, cfg := newFakeArchive(t, &fakeArchive{})
	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)

	_, err = f.Attempt(context.Background(), "http://never.example/")
	require.Error(t, err)
	require.Equal(t, crawler.KindArchiveUnavailable, crawler.KindOf(err))
	require.True(t, crawler.IsFatal(err))
}

func TestAttemptNotArchivedSentinelIsFatal(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{
		cdx: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[["timestamp","original"],["20100101000000","http://example.com/a"]]`))
		},
		snapshot: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html><p>Hrm. The Wayback Machine has not archived that URL.</p></html>"))
		},
	}
	srv, cfg := newFakeArchive(t, fa)
	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)

	_, err = f.Attempt(context.Background(), "http://example.com/a")
	require.Equal(t, crawler.KindArchiveUnavailable, crawler.KindOf(err))
}

func TestAttemptArchiveOverloadIsTransient(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{
		cdx: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		available: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	srv, cfg := newFakeArchive(t, fa)
	f, err := New(cfg, srv.Client(), nil, nil)
	require.NoError(t, err)

	_, err = f.Attempt(context.Background(), "http://example.com/a")
	require.Error(t, err)
	require.Equal(t, crawler.KindServer, crawler.KindOf(err))
	require.False(t, crawler.IsFatal(err))
}

func TestAttemptPacesArchiveCalls(t *testing.T) {
	t.Parallel()

	fa := &fakeArchive{cdx: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[["timestamp","original"],["20100101000000","http://example.com/a"]]`))
	}}
	srv, cfg := newFakeArchive(t, fa)
	// 1200 per minute is one call every 50ms against the fake host.
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 1200, Burst: 1})
	f, err := New(cfg, srv.Client(), limiter, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = f.Attempt(context.Background(), "http://example.com/a")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "lookup and retrieval share one bucket")
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Policy: "random"}, nil, nil, nil)
	require.Error(t, err)
}
