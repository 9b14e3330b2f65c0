package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Strategy is one tier of the fallback chain.
type Strategy interface {
	Tier() Tier
	Attempt(ctx context.Context, target string) (Page, error)
}

// ResultStore persists one FetchOutcome per canonical URL.
type ResultStore interface {
	// Upsert inserts or replaces the outcome keyed by its canonical URL and
	// records its record associations. Safe for concurrent use.
	Upsert(ctx context.Context, outcome FetchOutcome) error
	Lookup(ctx context.Context, canonical string) (FetchOutcome, bool, error)
	ListBySource(ctx context.Context, source Source, limit int) ([]FetchOutcome, error)
	Close()
}

// BlobStore writes raw binary artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Resolver reports whether a host resolves in DNS.
type Resolver interface {
	Resolves(ctx context.Context, host string) (bool, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
