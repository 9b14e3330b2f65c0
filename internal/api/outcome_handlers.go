package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

const (
	defaultOutcomeLimit = 100
	maxOutcomeLimit     = 1000
	lookupTimeout       = 3 * time.Second
)

// OutcomeHandler exposes stored fetch outcomes.
type OutcomeHandler struct {
	store   crawler.ResultStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewOutcomeHandler wires the result store and logger.
func NewOutcomeHandler(store crawler.ResultStore, logger *zap.Logger) *OutcomeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeHandler{store: store, timeout: lookupTimeout, logger: logger}
}

// Get handles GET /v1/outcomes. With ?url= it returns {"outcome": {...}} or
// 404; with ?source= it returns {"outcomes": [...]}. Exactly one of the two
// parameters is required.
func (h *OutcomeHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	q := r.URL.Query()
	rawURL := strings.TrimSpace(q.Get("url"))
	source := strings.TrimSpace(q.Get("source"))
	switch {
	case rawURL != "" && source != "":
		writeError(w, http.StatusBadRequest, "use either url or source, not both")
	case rawURL != "":
		h.lookup(w, r, rawURL)
	case source != "":
		h.list(w, r, source)
	default:
		writeError(w, http.StatusBadRequest, "url or source is required")
	}
}

func (h *OutcomeHandler) lookup(w http.ResponseWriter, r *http.Request, rawURL string) {
	canonical, err := crawler.Normalize(rawURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome, ok, err := h.store.Lookup(ctx, canonical)
	if err != nil {
		h.logger.Error("lookup outcome failed", zap.String("url", canonical), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load outcome")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "outcome not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": toOutcomeDTO(outcome)})
}

func (h *OutcomeHandler) list(w http.ResponseWriter, r *http.Request, rawSource string) {
	source, err := parseSource(rawSource)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultOutcomeLimit, maxOutcomeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcomes, err := h.store.ListBySource(ctx, source, limit)
	if err != nil {
		h.logger.Error("list outcomes failed", zap.String("source", string(source)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	out := make([]outcomeDTO, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, toOutcomeDTO(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseSource(input string) (crawler.Source, error) {
	switch s := crawler.Source(strings.ToLower(input)); s {
	case crawler.SourceDirect, crawler.SourceRendered, crawler.SourceArchive, crawler.SourceFailed:
		return s, nil
	default:
		return "", errors.New("invalid source")
	}
}

// outcomeDTO omits the content body; binary content is reachable through BlobURI.
type outcomeDTO struct {
	CanonicalURL   string    `json:"canonical_url"`
	RecordIDs      []string  `json:"record_ids"`
	Source         string    `json:"source"`
	ContentKind    string    `json:"content_kind,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	ContentBytes   int       `json:"content_bytes"`
	BlobURI        string    `json:"blob_uri,omitempty"`
	Title          string    `json:"title,omitempty"`
	StatusCode     *int      `json:"status_code,omitempty"`
	FinalURL       string    `json:"final_url,omitempty"`
	ArchiveURL     string    `json:"archive_url,omitempty"`
	DomainResolved *bool     `json:"domain_resolved,omitempty"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

func toOutcomeDTO(o crawler.FetchOutcome) outcomeDTO {
	ids := o.RecordIDs
	if ids == nil {
		ids = []string{}
	}
	return outcomeDTO{
		CanonicalURL:   o.CanonicalURL,
		RecordIDs:      ids,
		Source:         string(o.Source),
		ContentKind:    string(o.ContentKind),
		ContentType:    o.ContentType,
		ContentHash:    o.ContentHash,
		ContentBytes:   len(o.Content),
		BlobURI:        o.BlobURI,
		Title:          o.Title,
		StatusCode:     o.StatusCode,
		FinalURL:       o.FinalURL,
		ArchiveURL:     o.ArchiveURL,
		DomainResolved: o.DomainResolved,
		Attempts:       o.Attempts,
		Error:          o.Error,
		FetchedAt:      o.FetchedAt,
	}
}
