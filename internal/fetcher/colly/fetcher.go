// Package collyfetcher implements the direct HTTP tier using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout caps a single HTTP exchange. The orchestrator's per-attempt
	// deadline applies on top of it.
	Timeout     time.Duration
	MaxBodySize int
	// InsecureRetry re-issues a request once without certificate
	// verification after a TLS validation failure.
	InsecureRetry bool
	Headers       http.Header
	// Detector flags 2xx interstitials as challenges; nil disables the check.
	Detector *crawler.ChallengeDetector
}

// Fetcher implements crawler.Strategy for the direct tier.
type Fetcher struct {
	cfg      Config
	base     *colly.Collector
	insecure *colly.Collector
	logger   *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Verified and unverified requests use separate
// collectors because clones share their parent's HTTP client.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:    cfg,
		base:   newCollector(cfg, newHTTPTransport(false)),
		logger: logger,
	}
	if cfg.InsecureRetry {
		f.insecure = newCollector(cfg, newHTTPTransport(true))
	}
	return f
}

func newCollector(cfg Config, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	// Retries revisit the same URL.
	c.AllowURLRevisit = true
	// Non-2xx responses still reach OnResponse so the status can be classified.
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return c
}

// Tier implements crawler.Strategy.
func (f *Fetcher) Tier() crawler.Tier {
	return crawler.TierDirect
}

// Attempt performs one GET. A certificate failure is followed by a single
// unverified retry inside the same attempt; if that also fails the error is
// terminal for the tier.
func (f *Fetcher) Attempt(ctx context.Context, target string) (crawler.Page, error) {
	page, err := f.fetch(ctx, f.base, target)
	if err == nil || f.insecure == nil || !isTLSError(err) {
		return page, err
	}

	metrics.ObserveInsecureTLSRetry()
	f.logger.Warn("certificate verification failed, retrying without verification",
		zap.String("url", target), zap.Error(err))
	page, retryErr := f.fetch(ctx, f.insecure, target)
	if retryErr == nil {
		return page, nil
	}
	var fe *crawler.FetchError
	if !errors.As(retryErr, &fe) {
		fe = crawler.NewFetchError(crawler.TierDirect, crawler.KindTLS, target, retryErr)
	}
	fe.Terminal = true
	return crawler.Page{}, fe
}

func (f *Fetcher) fetch(ctx context.Context, base *colly.Collector, target string) (crawler.Page, error) {
	var (
		result   crawler.Page
		fetchErr error
	)
	collector := base.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.Page{}, classifyTransportError(target, err)
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 || result.StatusCode == http.StatusAccepted {
		return crawler.Page{}, crawler.StatusError(crawler.TierDirect, target, result.StatusCode)
	}
	result.ContentKind = crawler.ClassifyContent(result.ContentType, result.FinalURL, result.Content)
	if result.ContentKind == crawler.ContentHTML && f.cfg.Detector.Interstitial(result.Content) {
		return crawler.Page{}, crawler.ChallengeError(crawler.TierDirect, target, result.StatusCode)
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *crawler.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Upgrade-Insecure-Requests", "1")
		for key, values := range f.cfg.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Page{
			Content:    append([]byte(nil), r.Body...),
			StatusCode: r.StatusCode,
		}
		if r.Headers != nil {
			result.ContentType = r.Headers.Get("Content-Type")
		}
		if r.Request != nil && r.Request.URL != nil {
			result.FinalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func classifyTransportError(target string, err error) error {
	kind := crawler.KindNetwork
	if isTLSError(err) {
		kind = crawler.KindTLS
	}
	return crawler.NewFetchError(crawler.TierDirect, kind, target, err)
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid)
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in fallback after a verified attempt failed
	}
	return t
}
