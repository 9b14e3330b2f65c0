package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// OutcomeStore is an in-memory crawler.ResultStore.
type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string]crawler.FetchOutcome
	records  map[string]map[string]struct{}
}

var _ crawler.ResultStore = (*OutcomeStore)(nil)

// NewOutcomeStore constructs an empty OutcomeStore.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{
		outcomes: make(map[string]crawler.FetchOutcome),
		records:  make(map[string]map[string]struct{}),
	}
}

// Upsert replaces the outcome for its canonical URL and merges record ids.
func (s *OutcomeStore) Upsert(_ context.Context, o crawler.FetchOutcome) error {
	if o.CanonicalURL == "" {
		return fmt.Errorf("canonical url is required")
	}
	if o.Failed() {
		o.Content = nil
	} else {
		o.Content = append([]byte(nil), o.Content...)
	}
	recordIDs := o.RecordIDs
	o.RecordIDs = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.CanonicalURL] = o
	ids := s.records[o.CanonicalURL]
	if ids == nil {
		ids = make(map[string]struct{})
		s.records[o.CanonicalURL] = ids
	}
	for _, id := range recordIDs {
		ids[id] = struct{}{}
	}
	return nil
}

// Lookup returns the stored outcome for a canonical URL.
func (s *OutcomeStore) Lookup(_ context.Context, canonical string) (crawler.FetchOutcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[canonical]
	if !ok {
		return crawler.FetchOutcome{}, false, nil
	}
	return s.withRecords(o), true, nil
}

// ListBySource returns outcomes with the given source, oldest first.
func (s *OutcomeStore) ListBySource(_ context.Context, source crawler.Source, limit int) ([]crawler.FetchOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.FetchOutcome
	for _, o := range s.outcomes {
		if o.Source == source {
			out = append(out, s.withRecords(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.Before(out[j].FetchedAt)
		}
		return out[i].CanonicalURL < out[j].CanonicalURL
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored outcomes.
func (s *OutcomeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// Close implements crawler.ResultStore; it performs no action.
func (s *OutcomeStore) Close() {}

func (s *OutcomeStore) withRecords(o crawler.FetchOutcome) crawler.FetchOutcome {
	o.Content = append([]byte(nil), o.Content...)
	ids := make([]string, 0, len(s.records[o.CanonicalURL]))
	for id := range s.records[o.CanonicalURL] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	o.RecordIDs = ids
	return o
}
