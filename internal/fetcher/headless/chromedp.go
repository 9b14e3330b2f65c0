// Package headless implements the rendered tier with headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// NetworkIdleTimeout bounds the wait for network quiescence after load.
	// Reaching it is not an error; the DOM is read as-is.
	NetworkIdleTimeout time.Duration
	// IdleWindow is how long the page must have no pending requests to count
	// as quiet.
	IdleWindow     time.Duration
	ChallengeWait  time.Duration
	BlockResources bool
	ExecPath       string
	Headers        http.Header
}

// blockedResources never contribute to document text.
var blockedResources = map[network.ResourceType]struct{}{
	network.ResourceTypeImage:      {},
	network.ResourceTypeFont:       {},
	network.ResourceTypeStylesheet: {},
	network.ResourceTypeMedia:      {},
}

// Fetcher implements crawler.Strategy for the rendered tier using chromedp.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. The browser process starts on the
// first attempt and is shared; each attempt runs in its own tab.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.NavigationTimeout < 0 || cfg.NetworkIdleTimeout < 0 || cfg.ChallengeWait < 0 {
		return nil, errors.New("headless timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.NetworkIdleTimeout == 0 {
		cfg.NetworkIdleTimeout = 5 * time.Second
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 500 * time.Millisecond
	}
	if cfg.ChallengeWait == 0 {
		cfg.ChallengeWait = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.browserCancel != nil {
		f.browserCancel()
		f.browserCtx, f.browserCancel = nil, nil
	}
	f.mu.Unlock()
	f.allocCancel()
}

// browser returns the shared browser context, launching Chrome when no live
// browser exists. A failed launch is not cached.
func (f *Fetcher) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browserCtx != nil && f.browserCtx.Err() == nil {
		return f.browserCtx, nil
	}
	if f.browserCancel != nil {
		f.browserCancel()
	}
	ctx, cancel := chromedp.NewContext(f.allocator)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		f.browserCtx, f.browserCancel = nil, nil
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.browserCtx, f.browserCancel = ctx, cancel
	return ctx, nil
}

// Tier implements crawler.Strategy.
func (f *Fetcher) Tier() crawler.Tier {
	return crawler.TierRendered
}

// Attempt renders target in a fresh tab and returns the DOM. A challenge
// response is given one wait-and-reload; if the reloaded page is still a
// challenge the tier escalates.
func (f *Fetcher) Attempt(ctx context.Context, target string) (crawler.Page, error) {
	browserCtx, err := f.browser()
	if err != nil {
		return crawler.Page{}, browserError(ctx, target, err)
	}
	taskCtx, taskCancel := chromedp.NewContext(browserCtx)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	tracker := newPageTracker()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		tracker.captureEvent(ev)
		if paused, ok := ev.(*fetch.EventRequestPaused); ok {
			go f.interceptRequest(taskCtx, paused)
		}
	})

	html, finalURL, err := f.render(taskCtx, target, tracker)
	if err != nil {
		return crawler.Page{}, browserError(ctx, target, err)
	}

	status, headers, _ := tracker.snapshot()
	if isChallenge(status, html) {
		metrics.ObserveChallenge(string(crawler.TierRendered))
		f.logger.Debug("challenge page, waiting before reload",
			zap.String("url", target), zap.Int("status", status), zap.Duration("wait", f.cfg.ChallengeWait))
		html, finalURL, err = f.reload(taskCtx, tracker)
		if err != nil {
			return crawler.Page{}, browserError(ctx, target, err)
		}
		status, headers, _ = tracker.snapshot()
		if isChallenge(status, html) {
			fe := crawler.NewFetchError(crawler.TierRendered, crawler.KindChallenge, target, errors.New("challenge persisted after reload"))
			fe.StatusCode = status
			return crawler.Page{}, fe
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status >= 300 {
		return crawler.Page{}, crawler.StatusError(crawler.TierRendered, target, status)
	}

	if finalURL == "" {
		finalURL = target
	}
	contentType := headers.Get("Content-Type")
	body := []byte(html)
	return crawler.Page{
		Content:     body,
		ContentKind: crawler.ClassifyContent(contentType, finalURL, body),
		ContentType: contentType,
		StatusCode:  status,
		FinalURL:    finalURL,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, target string, tracker *pageTracker) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target),
		f.waitNetworkIdle(tracker),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) reload(ctx context.Context, tracker *pageTracker) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		chromedp.Sleep(f.cfg.ChallengeWait),
		chromedp.Reload(),
		f.waitNetworkIdle(tracker),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp reload: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if f.cfg.BlockResources {
			patterns := []*fetch.RequestPattern{{URLPattern: "*"}}
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

// interceptRequest answers a paused request. It runs on its own goroutine
// because the listener must not block on CDP round trips.
func (f *Fetcher) interceptRequest(ctx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(ctx, c.Target)
	var err error
	if shouldBlock(ev.ResourceType) {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
	}
	if err != nil && ctx.Err() == nil {
		f.logger.Debug("request interception failed", zap.String("resource", string(ev.ResourceType)), zap.Error(err))
	}
}

// waitNetworkIdle polls until no request has been pending for IdleWindow or
// NetworkIdleTimeout elapses.
func (f *Fetcher) waitNetworkIdle(tracker *pageTracker) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(f.cfg.NetworkIdleTimeout)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if tracker.idleFor(f.cfg.IdleWindow) || time.Now().After(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

func shouldBlock(rt network.ResourceType) bool {
	_, ok := blockedResources[rt]
	return ok
}

func isChallenge(status int, html string) bool {
	if status == http.StatusAccepted {
		return true
	}
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range crawler.DefaultChallengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func browserError(ctx context.Context, target string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return crawler.NewFetchError(crawler.TierRendered, crawler.KindBrowser, target, err)
}

// pageTracker records the main document response and in-flight requests.
// The first document response fixes the main frame; documents loaded by
// other frames (iframes) are ignored.
type pageTracker struct {
	mu        sync.RWMutex
	mainFrame cdp.FrameID
	status    int
	headers   http.Header
	url       string
	pending   map[network.RequestID]struct{}
	lastSeen  time.Time
}

func newPageTracker() *pageTracker {
	return &pageTracker{
		headers:  http.Header{},
		pending:  make(map[network.RequestID]struct{}),
		lastSeen: time.Now(),
	}
}

func (m *pageTracker) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *network.EventRequestWillBeSent:
		m.track(e.RequestID, true)
	case *network.EventLoadingFinished:
		m.track(e.RequestID, false)
	case *network.EventLoadingFailed:
		m.track(e.RequestID, false)
	}
}

func (m *pageTracker) track(id network.RequestID, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if started {
		m.pending[id] = struct{}{}
	} else {
		delete(m.pending, id)
	}
	m.lastSeen = time.Now()
}

func (m *pageTracker) idleFor(window time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending) == 0 && time.Since(m.lastSeen) >= window
}

func (m *pageTracker) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	if headers.Get("Content-Type") == "" && event.Response.MimeType != "" {
		headers.Set("Content-Type", event.Response.MimeType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mainFrame == "" {
		m.mainFrame = event.FrameID
	} else if event.FrameID != m.mainFrame {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *pageTracker) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return http.Header{}
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
