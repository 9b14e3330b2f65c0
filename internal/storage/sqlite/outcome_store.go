// Package sqlite provides a file-backed result store for single-host runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds one row per canonical URL.
const DefaultTable = "fetch_outcomes"

// OutcomeStore implements crawler.ResultStore on SQLite.
type OutcomeStore struct {
	db    *sql.DB
	path  string
	table string
}

var _ crawler.ResultStore = (*OutcomeStore)(nil)

// Open opens (or creates) the database at path and creates the schema if
// needed. Use ":memory:" for an in-memory database.
func Open(ctx context.Context, path, table string) (*OutcomeStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer at a time.
	conn.SetMaxOpenConns(1)

	s := &OutcomeStore{db: conn, path: path, table: table}
	if err := s.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *OutcomeStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect sqlite: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if s.path != ":memory:" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if err := s.createSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *OutcomeStore) createSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			canonical_url TEXT PRIMARY KEY,
			content BLOB,
			content_kind TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			blob_uri TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			status_code INTEGER,
			final_url TEXT NOT NULL DEFAULT '',
			archive_url TEXT NOT NULL DEFAULT '',
			domain_resolved INTEGER,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			fetched_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_source ON %[1]s(source);

		CREATE TABLE IF NOT EXISTS record_urls (
			record_id TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			PRIMARY KEY (record_id, canonical_url)
		);

		CREATE INDEX IF NOT EXISTS idx_record_urls_canonical_url ON record_urls(canonical_url);
	`, s.table)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *OutcomeStore) Close() {
	if s != nil && s.db != nil {
		_ = s.db.Close()
	}
}

// Upsert writes the outcome row and its record associations in one transaction.
func (s *OutcomeStore) Upsert(ctx context.Context, o crawler.FetchOutcome) error {
	if o.CanonicalURL == "" {
		return fmt.Errorf("canonical url is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var content []byte
	if !o.Failed() {
		content = o.Content
	}
	var status sql.NullInt64
	if o.StatusCode != nil {
		status = sql.NullInt64{Int64: int64(*o.StatusCode), Valid: true}
	}
	var resolved sql.NullBool
	if o.DomainResolved != nil {
		resolved = sql.NullBool{Bool: *o.DomainResolved, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			canonical_url, content, content_kind, content_type, content_hash, blob_uri, title,
			source, status_code, final_url, archive_url, domain_resolved, attempts, error, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_url) DO UPDATE SET
			content = excluded.content,
			content_kind = excluded.content_kind,
			content_type = excluded.content_type,
			content_hash = excluded.content_hash,
			blob_uri = excluded.blob_uri,
			title = excluded.title,
			source = excluded.source,
			status_code = excluded.status_code,
			final_url = excluded.final_url,
			archive_url = excluded.archive_url,
			domain_resolved = excluded.domain_resolved,
			attempts = excluded.attempts,
			error = excluded.error,
			fetched_at = excluded.fetched_at
	`, s.table)
	_, err = tx.ExecContext(ctx, query,
		o.CanonicalURL, content, string(o.ContentKind), o.ContentType, o.ContentHash, o.BlobURI, o.Title,
		string(o.Source), status, o.FinalURL, o.ArchiveURL, resolved, o.Attempts, o.Error,
		o.FetchedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	for _, id := range o.RecordIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_urls (record_id, canonical_url) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			id, o.CanonicalURL,
		); err != nil {
			return fmt.Errorf("upsert record association: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *OutcomeStore) selectColumns() string {
	return fmt.Sprintf(`SELECT canonical_url, content, content_kind, content_type, content_hash, blob_uri,
		title, source, status_code, final_url, archive_url, domain_resolved, attempts, error, fetched_at
		FROM %s`, s.table)
}

// Lookup returns the stored outcome for a canonical URL.
func (s *OutcomeStore) Lookup(ctx context.Context, canonical string) (crawler.FetchOutcome, bool, error) {
	row := s.db.QueryRowContext(ctx, s.selectColumns()+` WHERE canonical_url = ?`, canonical)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.FetchOutcome{}, false, nil
	}
	if err != nil {
		return crawler.FetchOutcome{}, false, fmt.Errorf("lookup outcome: %w", err)
	}
	if o.RecordIDs, err = s.recordIDs(ctx, canonical); err != nil {
		return crawler.FetchOutcome{}, false, err
	}
	return o, true, nil
}

// ListBySource returns outcomes with the given source, oldest first. A
// non-positive limit returns every match.
func (s *OutcomeStore) ListBySource(ctx context.Context, source crawler.Source, limit int) ([]crawler.FetchOutcome, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		s.selectColumns()+` WHERE source = ? ORDER BY fetched_at, canonical_url LIMIT ?`,
		string(source), limit,
	)
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	rows.Close()
	// The single connection is free again once rows is closed.
	for i := range out {
		if out[i].RecordIDs, err = s.recordIDs(ctx, out[i].CanonicalURL); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *OutcomeStore) recordIDs(ctx context.Context, canonical string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM record_urls WHERE canonical_url = ? ORDER BY record_id`, canonical)
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
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (crawler.FetchOutcome, error) {
	var (
		o         crawler.FetchOutcome
		kind      string
		source    string
		status    sql.NullInt64
		resolved  sql.NullBool
		fetchedAt string
	)
	err := row.Scan(
		&o.CanonicalURL, &o.Content, &kind, &o.ContentType, &o.ContentHash, &o.BlobURI,
		&o.Title, &source, &status, &o.FinalURL, &o.ArchiveURL, &resolved, &o.Attempts,
		&o.Error, &fetchedAt,
	)
	if err != nil {
		return crawler.FetchOutcome{}, err
	}
	o.ContentKind = crawler.ContentKind(kind)
	o.Source = crawler.Source(source)
	if status.Valid {
		v := int(status.Int64)
		o.StatusCode = &v
	}
	if resolved.Valid {
		v := resolved.Bool
		o.DomainResolved = &v
	}
	if o.FetchedAt, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(fetchedAt)); err != nil {
		return crawler.FetchOutcome{}, fmt.Errorf("parse fetched_at: %w", err)
	}
	return o, nil
}
