// Package postgres provides the Postgres-backed result store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds one row per canonical URL.
const DefaultTable = "fetch_outcomes"

// RecordTable associates record ids with canonical URLs.
const RecordTable = "record_urls"

// Schema is the DDL the store expects, with the default table name.
const Schema = `
CREATE TABLE IF NOT EXISTS fetch_outcomes (
	canonical_url   TEXT PRIMARY KEY,
	content         BYTEA,
	content_kind    TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL DEFAULT '',
	blob_uri        TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL,
	status_code     INTEGER,
	final_url       TEXT NOT NULL DEFAULT '',
	archive_url     TEXT NOT NULL DEFAULT '',
	domain_resolved BOOLEAN,
	attempts        INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	fetched_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fetch_outcomes_source_idx ON fetch_outcomes (source);
CREATE TABLE IF NOT EXISTS record_urls (
	record_id     TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	PRIMARY KEY (record_id, canonical_url)
);
`

// Config controls the Postgres connection pool used for outcome rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// OutcomeStore implements crawler.ResultStore on Postgres.
type OutcomeStore struct {
	pool  pool
	table string
}

var _ crawler.ResultStore = (*OutcomeStore)(nil)

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &OutcomeStore{pool: p, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*OutcomeStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: p, table: table}, nil
}

func tableName(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes the outcome row and its record associations in one transaction.
func (s *OutcomeStore) Upsert(ctx context.Context, o crawler.FetchOutcome) (err error) {
	if o.CanonicalURL == "" {
		return fmt.Errorf("canonical url is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	canonical_url, content, content_kind, content_type, content_hash, blob_uri, title,
	source, status_code, final_url, archive_url, domain_resolved, attempts, error, fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (canonical_url) DO UPDATE SET
	content = EXCLUDED.content,
	content_kind = EXCLUDED.content_kind,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	title = EXCLUDED.title,
	source = EXCLUDED.source,
	status_code = EXCLUDED.status_code,
	final_url = EXCLUDED.final_url,
	archive_url = EXCLUDED.archive_url,
	domain_resolved = EXCLUDED.domain_resolved,
	attempts = EXCLUDED.attempts,
	error = EXCLUDED.error,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	if _, err = tx.Exec(ctx, query, upsertArgs(o)...); err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	for _, id := range o.RecordIDs {
		if _, err = tx.Exec(ctx, `INSERT INTO `+RecordTable+` (record_id, canonical_url) VALUES ($1, $2)
ON CONFLICT (record_id, canonical_url) DO NOTHING`, id, o.CanonicalURL); err != nil {
			return fmt.Errorf("upsert record association: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func upsertArgs(o crawler.FetchOutcome) []any {
	var status *int32
	if o.StatusCode != nil {
		v := int32(*o.StatusCode) //nolint:gosec // HTTP status codes fit in int32
		status = &v
	}
	var content []byte
	if !o.Failed() {
		content = o.Content
	}
	return []any{
		o.CanonicalURL,
		content,
		string(o.ContentKind),
		o.ContentType,
		o.ContentHash,
		o.BlobURI,
		o.Title,
		string(o.Source),
		status,
		o.FinalURL,
		o.ArchiveURL,
		o.DomainResolved,
		int32(o.Attempts), //nolint:gosec // bounded by the retry budget
		o.Error,
		o.FetchedAt.UTC(),
	}
}

func (s *OutcomeStore) selectColumns() string {
	return fmt.Sprintf(`SELECT canonical_url, content, content_kind, content_type, content_hash, blob_uri,
	title, source, status_code, final_url, archive_url, domain_resolved, attempts, error, fetched_at
FROM %s`, s.table)
}

// Lookup returns the stored outcome for a canonical URL.
func (s *OutcomeStore) Lookup(ctx context.Context, canonical string) (crawler.FetchOutcome, bool, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` WHERE canonical_url = $1`, canonical)
	o, err := scanOutcome(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FetchOutcome{}, false, nil
	}
	if err != nil {
		return crawler.FetchOutcome{}, false, fmt.Errorf("lookup outcome: %w", err)
	}
	ids, err := s.recordIDs(ctx, canonical)
	if err != nil {
		return crawler.FetchOutcome{}, false, err
	}
	o.RecordIDs = ids
	return o, true, nil
}

// ListBySource returns outcomes with the given source, oldest first. A
// non-positive limit returns every match.
func (s *OutcomeStore) ListBySource(ctx context.Context, source crawler.Source, limit int) ([]crawler.FetchOutcome, error) {
	query := s.selectColumns() + ` WHERE source = $1 ORDER BY fetched_at, canonical_url`
	args := []any{string(source)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	var out []crawler.FetchOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	for i := range out {
		ids, err := s.recordIDs(ctx, out[i].CanonicalURL)
		if err != nil {
			return nil, err
		}
		out[i].RecordIDs = ids
	}
	return out, nil
}

func (s *OutcomeStore) recordIDs(ctx context.Context, canonical string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT record_id FROM `+RecordTable+` WHERE canonical_url = $1 ORDER BY record_id`, canonical)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	return ids, nil
}

func scanOutcome(row pgx.Row) (crawler.FetchOutcome, error) {
	var (
		o        crawler.FetchOutcome
		kind     string
		source   string
		status   *int32
		resolved *bool
		attempts int32
	)
	err := row.Scan(
		&o.CanonicalURL,
		&o.Content,
		&kind,
		&o.ContentType,
		&o.ContentHash,
		&o.BlobURI,
		&o.Title,
		&source,
		&status,
		&o.FinalURL,
		&o.ArchiveURL,
		&resolved,
		&attempts,
		&o.Error,
		&o.FetchedAt,
	)
	if err != nil {
		return crawler.FetchOutcome{}, err
	}
	o.ContentKind = crawler.ContentKind(kind)
	o.Source = crawler.Source(source)
	if status != nil {
		v := int(*status)
		o.StatusCode = &v
	}
	o.DomainResolved = resolved
	o.Attempts = int(attempts)
	return o, nil
}
