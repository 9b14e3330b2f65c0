// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// Tier names one strategy in the fallback chain.
type Tier string

// Supported tiers, cheapest first.
const (
	TierDirect   Tier = "direct"
	TierRendered Tier = "rendered"
	TierArchive  Tier = "archive"
)

// DefaultTierOrder is the fixed default fallback chain.
var DefaultTierOrder = []Tier{TierDirect, TierRendered, TierArchive}

// ParseTier validates a configured tier name.
func ParseTier(name string) (Tier, bool) {
	switch Tier(name) {
	case TierDirect, TierRendered, TierArchive:
		return Tier(name), true
	default:
		return "", false
	}
}

// Source records which tier produced a stored outcome.
type Source string

// Outcome sources persisted in the result store.
const (
	SourceDirect   Source = "direct"
	SourceRendered Source = "rendered"
	SourceArchive  Source = "archive"
	SourceFailed   Source = "failed"
)

// SourceForTier maps a tier onto the source label stored with its outcome.
func SourceForTier(t Tier) Source {
	switch t {
	case TierDirect:
		return SourceDirect
	case TierRendered:
		return SourceRendered
	case TierArchive:
		return SourceArchive
	default:
		return SourceFailed
	}
}

// ContentKind classifies fetched content.
type ContentKind string

// Content kinds. Binary content is never parsed as HTML.
const (
	ContentHTML   ContentKind = "html"
	ContentBinary ContentKind = "binary"
	ContentEmpty  ContentKind = "empty"
)

// Record is one input row: a vulnerability record and the reference URLs it cites.
type Record struct {
	RecordID string   `json:"record_id"`
	URLs     []string `json:"urls"`
}

// Reference pairs a record id with one raw URL it cites.
type Reference struct {
	RecordID string
	RawURL   string
}

// Target is a single fetch unit: one canonical URL plus every record citing it.
type Target struct {
	Canonical string
	RawURL    string
	RecordIDs []string
	// Err is set when the raw URL could not be normalized.
	Err error
}

// Page is what a strategy returns from a successful attempt.
type Page struct {
	Content     []byte
	ContentKind ContentKind
	ContentType string
	StatusCode  int
	FinalURL    string
	ArchiveURL  string
}

// Empty reports whether the page carries no usable content.
func (p Page) Empty() bool {
	return len(p.Content) == 0 || p.ContentKind == ContentEmpty
}

// FetchOutcome is the persisted result for one canonical URL.
type FetchOutcome struct {
	CanonicalURL   string      `json:"canonical_url"`
	RecordIDs      []string    `json:"record_ids,omitempty"`
	Content        []byte      `json:"-"`
	ContentKind    ContentKind `json:"content_kind"`
	ContentType    string      `json:"content_type,omitempty"`
	ContentHash    string      `json:"content_hash,omitempty"`
	BlobURI        string      `json:"blob_uri,omitempty"`
	Title          string      `json:"title,omitempty"`
	Source         Source      `json:"source"`
	StatusCode     *int        `json:"status_code,omitempty"`
	FinalURL       string      `json:"final_url,omitempty"`
	ArchiveURL     string      `json:"archive_url,omitempty"`
	DomainResolved *bool       `json:"domain_resolved,omitempty"`
	Attempts       int         `json:"attempts"`
	Error          string      `json:"error,omitempty"`
	FetchedAt      time.Time   `json:"fetched_at"`
}

// Failed reports whether the outcome is a terminal failure.
func (o FetchOutcome) Failed() bool {
	return o.Source == SourceFailed
}

// RunSummary aggregates outcomes for one processing pass.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	Targets     int            `json:"targets"`
	BySource    map[Source]int `json:"by_source"`
	StoreErrors int            `json:"store_errors"`
	Started     time.Time      `json:"started_at"`
	Finished    time.Time      `json:"finished_at"`
}

// Failures returns the number of targets that ended in FAILED.
func (s RunSummary) Failures() int {
	return s.BySource[SourceFailed]
}
