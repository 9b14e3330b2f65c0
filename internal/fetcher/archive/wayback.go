// Package archive implements the archive tier against the Wayback Machine.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/policy/ratelimit"
)

// Policy selects which snapshot is retrieved when several exist.
type Policy string

// Snapshot policies.
const (
	PolicyOldest Policy = "oldest"
	PolicyNewest Policy = "newest"
)

// Default public endpoints.
const (
	DefaultCDXEndpoint          = "https://web.archive.org/cdx/search/cdx"
	DefaultAvailabilityEndpoint = "https://archive.org/wayback/available"
	DefaultSnapshotBase         = "https://web.archive.org/web"
)

// DefaultNotArchivedMarkers are phrases the archive serves instead of a capture.
var DefaultNotArchivedMarkers = []string{
	"wayback machine has not archived that url",
	"this url has been excluded from the wayback machine",
	"hrm. the wayback machine has not archived",
}

var errNoSnapshot = errors.New("no snapshot")

// Config controls the archive fetcher.
type Config struct {
	CDXEndpoint          string
	AvailabilityEndpoint string
	SnapshotBase         string
	Policy               Policy
	UserAgent            string
	MaxBodyBytes         int64
	NotArchivedMarkers   []string
}

// Snapshot identifies one archived capture.
type Snapshot struct {
	Timestamp string
	Original  string
}

// Fetcher implements crawler.Strategy for the archive tier.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Fetcher. A nil client uses a client without a global timeout;
// per-attempt deadlines come from the caller's context. A nil limiter
// disables pacing.
func New(cfg Config, client *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyOldest
	}
	if cfg.Policy != PolicyOldest && cfg.Policy != PolicyNewest {
		return nil, fmt.Errorf("unknown archive policy %q", cfg.Policy)
	}
	if cfg.CDXEndpoint == "" {
		cfg.CDXEndpoint = DefaultCDXEndpoint
	}
	if cfg.AvailabilityEndpoint == "" {
		cfg.AvailabilityEndpoint = DefaultAvailabilityEndpoint
	}
	if cfg.SnapshotBase == "" {
		cfg.SnapshotBase = DefaultSnapshotBase
	}
	cfg.SnapshotBase = strings.TrimRight(cfg.SnapshotBase, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 << 20
	}
	if cfg.NotArchivedMarkers == nil {
		cfg.NotArchivedMarkers = DefaultNotArchivedMarkers
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, client: client, limiter: limiter, logger: logger}, nil
}

// Tier implements crawler.Strategy.
func (f *Fetcher) Tier() crawler.Tier {
	return crawler.TierArchive
}

// Attempt finds a capture of target and retrieves its raw content. A missing
// capture or a "not archived" body is fatal for the tier; API and transport
// failures are transient.
func (f *Fetcher) Attempt(ctx context.Context, target string) (crawler.Page, error) {
	snap, err := f.Lookup(ctx, target)
	if errors.Is(err, errNoSnapshot) {
		return crawler.Page{}, crawler.NewFetchError(crawler.TierArchive, crawler.KindArchiveUnavailable, target, err)
	}
	if err != nil {
		return crawler.Page{}, err
	}
	return f.retrieve(ctx, target, f.SnapshotURL(snap))
}

// SnapshotURL returns the raw (unrewritten) capture URL.
func (f *Fetcher) SnapshotURL(s Snapshot) string {
	return fmt.Sprintf("%s/%sid_/%s", f.cfg.SnapshotBase, s.Timestamp, s.Original)
}

// Lookup resolves a capture through the CDX index, falling back to the
// availability API. It returns an error wrapping errNoSnapshot when the
// archive has nothing for target.
func (f *Fetcher) Lookup(ctx context.Context, target string) (Snapshot, error) {
	snap, cdxErr := f.lookupCDX(ctx, target)
	if cdxErr == nil {
		return snap, nil
	}
	f.logger.Debug("cdx lookup missed, trying availability api", zap.String("url", target), zap.Error(cdxErr))
	snap, availErr := f.lookupAvailability(ctx, target)
	switch {
	case availErr == nil:
		return snap, nil
	case errors.Is(availErr, errNoSnapshot):
		return Snapshot{}, availErr
	case errors.Is(cdxErr, errNoSnapshot):
		return Snapshot{}, cdxErr
	default:
		return Snapshot{}, errors.Join(cdxErr, availErr)
	}
}

func (f *Fetcher) lookupCDX(ctx context.Context, target string) (Snapshot, error) {
	q := url.Values{}
	q.Set("url", target)
	q.Set("output", "json")
	q.Set("fl", "timestamp,original")
	q.Set("filter", "statuscode:200")
	if f.cfg.Policy == PolicyNewest {
		q.Set("limit", "-1")
	} else {
		q.Set("limit", "1")
	}

	var rows [][]string
	if err := f.getJSON(ctx, target, f.cfg.CDXEndpoint+"?"+q.Encode(), &rows); err != nil {
		return Snapshot{}, err
	}
	// The first row is the field header.
	for _, row := range rows {
		if len(row) < 2 || row[0] == "timestamp" {
			continue
		}
		original := row[1]
		if original == "" {
			original = target
		}
		return Snapshot{Timestamp: row[0], Original: original}, nil
	}
	return Snapshot{}, fmt.Errorf("cdx: %w", errNoSnapshot)
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

func (f *Fetcher) lookupAvailability(ctx context.Context, target string) (Snapshot, error) {
	q := url.Values{}
	q.Set("url", target)
	if f.cfg.Policy == PolicyOldest {
		q.Set("timestamp", "19960101")
	} else {
		q.Set("timestamp", time.Now().UTC().Format("20060102"))
	}

	var resp availabilityResponse
	if err := f.getJSON(ctx, target, f.cfg.AvailabilityEndpoint+"?"+q.Encode(), &resp); err != nil {
		return Snapshot{}, err
	}
	closest := resp.ArchivedSnapshots.Closest
	if closest == nil || !closest.Available || closest.Timestamp == "" {
		return Snapshot{}, fmt.Errorf("availability: %w", errNoSnapshot)
	}
	if closest.Status != "" && closest.Status != "200" {
		return Snapshot{}, fmt.Errorf("availability: closest capture has status %s: %w", closest.Status, errNoSnapshot)
	}
	return Snapshot{Timestamp: closest.Timestamp, Original: target}, nil
}

func (f *Fetcher) getJSON(ctx context.Context, target, endpoint string, dst any) error {
	resp, err := f.do(ctx, endpoint)
	if err != nil {
		return crawler.NewFetchError(crawler.TierArchive, crawler.KindNetwork, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return overloaded(target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return crawler.NewFetchError(crawler.TierArchive, crawler.KindNetwork, target, fmt.Errorf("read archive api: %w", err))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return crawler.NewFetchError(crawler.TierArchive, crawler.KindServer, target, fmt.Errorf("decode archive api: %w", err))
	}
	return nil
}

func (f *Fetcher) retrieve(ctx context.Context, target, snapshotURL string) (crawler.Page, error) {
	resp, err := f.do(ctx, snapshotURL)
	if err != nil {
		return crawler.Page{}, crawler.NewFetchError(crawler.TierArchive, crawler.KindNetwork, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		fe := crawler.NewFetchError(crawler.TierArchive, crawler.KindArchiveUnavailable, target, fmt.Errorf("snapshot %s not found", snapshotURL))
		fe.StatusCode = resp.StatusCode
		return crawler.Page{}, fe
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return crawler.Page{}, overloaded(target, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return crawler.Page{}, crawler.StatusError(crawler.TierArchive, target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return crawler.Page{}, crawler.NewFetchError(crawler.TierArchive, crawler.KindNetwork, target, fmt.Errorf("read snapshot: %w", err))
	}
	if f.notArchived(body) {
		return crawler.Page{}, crawler.NewFetchError(crawler.TierArchive, crawler.KindArchiveUnavailable, target, errors.New("archive returned a not-archived page"))
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := snapshotURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return crawler.Page{
		Content:     body,
		ContentKind: crawler.ClassifyContent(contentType, target, body),
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
		FinalURL:    finalURL,
		ArchiveURL:  snapshotURL,
	}, nil
}

func (f *Fetcher) do(ctx context.Context, endpoint string) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, endpoint); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build archive request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive request: %w", err)
	}
	return resp, nil
}

// overloaded is a retryable archive-side failure such as 429 or 5xx.
func overloaded(target string, status int) *crawler.FetchError {
	fe := crawler.NewFetchError(crawler.TierArchive, crawler.KindServer, target, fmt.Errorf("archive responded %d %s", status, http.StatusText(status)))
	fe.StatusCode = status
	return fe
}

func (f *Fetcher) notArchived(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	head := body
	if len(head) > 64<<10 {
		head = head[:64<<10]
	}
	lower := strings.ToLower(string(head))
	for _, marker := range f.cfg.NotArchivedMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
