// Package input reads reference batches and writes the failed-URL export.
package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// ErrEmptyInput is returned when the batch holds no records.
var ErrEmptyInput = errors.New("input contains no records")

type rawRecord struct {
	CVEID    string   `json:"cve_id"`
	RecordID string   `json:"record_id"`
	URLs     []string `json:"urls"`
}

// LoadFile reads a JSON array of {"cve_id"|"record_id", "urls"} objects.
func LoadFile(path string) ([]crawler.Record, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes records from r one element at a time. Input order is kept.
func Load(r io.Reader) ([]crawler.Record, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("input must be a JSON array")
	}

	var records []crawler.Record
	for i := 0; dec.More(); i++ {
		var raw rawRecord
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		id := strings.TrimSpace(raw.RecordID)
		if id == "" {
			id = strings.TrimSpace(raw.CVEID)
		}
		if id == "" {
			return nil, fmt.Errorf("record %d: cve_id or record_id is required", i)
		}
		records = append(records, crawler.Record{RecordID: id, URLs: raw.URLs})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}
	return records, nil
}

// FailedEntry is one row of the failed export.
type FailedEntry struct {
	URL        string    `json:"url"`
	RecordIDs  []string  `json:"record_ids"`
	Error      string    `json:"error"`
	StatusCode *int      `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// WriteFailed writes failed outcomes as an indented JSON array. Outcomes with
// any other source are skipped.
func WriteFailed(w io.Writer, outcomes []crawler.FetchOutcome) (int, error) {
	entries := make([]FailedEntry, 0, len(outcomes))
	for _, o := range outcomes {
		if !o.Failed() {
			continue
		}
		ids := o.RecordIDs
		if ids == nil {
			ids = []string{}
		}
		entries = append(entries, FailedEntry{
			URL:        o.CanonicalURL,
			RecordIDs:  ids,
			Error:      o.Error,
			StatusCode: o.StatusCode,
			Attempts:   o.Attempts,
			FetchedAt:  o.FetchedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("encode failed export: %w", err)
	}
	return len(entries), nil
}

// WriteFailedFile writes the export to path, replacing any previous file.
func WriteFailedFile(path string, outcomes []crawler.FetchOutcome) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".failed-*.json")
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	n, err := WriteFailed(tmp, outcomes)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}
