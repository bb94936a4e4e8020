// Package store provides the durable local storage for the offline engine.
//
// The store is an embedded SQLite database holding cache entries, pending
// mutations, and engine metadata. It runs with WAL mode so status reads can
// proceed while the sync processor writes.
//
// The store is owned exclusively by the engine: producers and observers go
// through the cache, queue, and engine packages, never through SQL directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/regattaflow/regatta/internal/record"
)

// ErrNotFound is returned when a key or item is absent.
var ErrNotFound = errors.New("store: not found")

// timeLayout is fixed-width UTC with all nine fractional digits, so
// lexicographic ordering of the TEXT column matches chronological ordering.
// RFC3339Nano trims trailing fractional zeros, which breaks that: ".5Z"
// sorts after ".55Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeParseLayout accepts any fractional width on the way back out.
const timeParseLayout = time.RFC3339Nano

// Store wraps the SQLite connection with engine-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		band TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		priority INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_band ON cache_entries(band);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);

	-- Composite index backing the drain order: pending first,
	-- priority ascending, FIFO within a band.
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON sync_queue(failed, priority, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ---- cache entries ----

// PutEntry inserts or overwrites the cache entry at its key.
func (s *Store) PutEntry(ctx context.Context, e *record.CacheEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid cache entry: %w", err)
	}

	query := `
	INSERT INTO cache_entries (key, data, band, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		band = excluded.band,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		e.Key,
		string(e.Data),
		string(e.Band),
		e.Timestamp.UTC().Format(timeLayout),
		timeToNullString(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s: %w", e.Key, err)
	}

	return nil
}

// GetEntry returns the cache entry at key, or ErrNotFound.
//
// Expiry is not checked here: lazy expiry is the cache layer's policy.
func (s *Store) GetEntry(ctx context.Context, key string) (*record.CacheEntry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT key, data, band, created_at, expires_at FROM cache_entries WHERE key = ?`, key)

	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	return e, nil
}

// DeleteEntry removes the entry at key. Idempotent.
func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// ListEntries enumerates the full cache keyspace. Used by the expiry sweep.
func (s *Store) ListEntries(ctx context.Context) ([]*record.CacheEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, data, band, created_at, expires_at FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []*record.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	return entries, nil
}

// DeleteEntriesExcept removes every cache entry whose band is not in keep.
// Returns the number of deleted rows.
func (s *Store) DeleteEntriesExcept(ctx context.Context, keep ...record.Band) (int, error) {
	query := `DELETE FROM cache_entries`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` WHERE band NOT IN (?` // first placeholder
		for i := 1; i < len(keep); i++ {
			query += `, ?`
		}
		query += `)`
		for _, b := range keep {
			args = append(args, string(b))
		}
	}

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- sync queue ----

// InsertItem appends a new queue item.
func (s *Store) InsertItem(ctx context.Context, item *record.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}

	query := `
	INSERT INTO sync_queue (id, kind, action, data, created_at, priority, retries, failed, last_error, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		item.ID,
		string(item.Kind),
		string(item.Action),
		string(item.Data),
		item.Timestamp.UTC().Format(timeLayout),
		item.Priority,
		item.Retries,
		boolToInt(item.Failed),
		nullString(item.LastError),
		zeroTimeToNullString(item.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
	}

	return nil
}

// PendingItems returns items still in the active rotation, ordered by
// priority ascending then creation time ascending (FIFO within a band).
func (s *Store) PendingItems(ctx context.Context) ([]*record.QueueItem, error) {
	return s.queryItems(ctx, `
		SELECT id, kind, action, data, created_at, priority, retries, failed, last_error, next_attempt_at
		FROM sync_queue
		WHERE failed = 0
		ORDER BY priority ASC, created_at ASC`)
}

// FailedItems returns items that exhausted their retries, oldest first.
func (s *Store) FailedItems(ctx context.Context) ([]*record.QueueItem, error) {
	return s.queryItems(ctx, `
		SELECT id, kind, action, data, created_at, priority, retries, failed, last_error, next_attempt_at
		FROM sync_queue
		WHERE failed = 1
		ORDER BY created_at ASC`)
}

// GetItem returns a single queue item by id, or ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id string) (*record.QueueItem, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, kind, action, data, created_at, priority, retries, failed, last_error, next_attempt_at
		FROM sync_queue WHERE id = ?`, id)

	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// DeleteItem removes an item, normally on delivery success. Idempotent.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// UpdateItemAttempt records a delivery attempt outcome.
func (s *Store) UpdateItemAttempt(ctx context.Context, id string, retries int, failed bool, lastError string, nextAttemptAt time.Time) error {
	query := `
	UPDATE sync_queue
	SET retries = ?, failed = ?, last_error = ?, next_attempt_at = ?
	WHERE id = ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		retries,
		boolToInt(failed),
		nullString(lastError),
		zeroTimeToNullString(nextAttemptAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueItem puts a failed item back into the active rotation with a
// fresh retry budget.
func (s *Store) RequeueItem(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET failed = 0, retries = 0, last_error = NULL, next_attempt_at = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueDepth returns the number of items in the active rotation and the
// number counted as failed-visible (out of rotation, or retried past the
// visibility threshold).
func (s *Store) QueueDepth(ctx context.Context) (pending, failedVisible int, err error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN failed = 0 THEN 1 END),
			COUNT(CASE WHEN failed = 1 OR retries > ? THEN 1 END)
		FROM sync_queue`, record.FailedVisibility)

	if err := row.Scan(&pending, &failedVisible); err != nil {
		return 0, 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return pending, failedVisible, nil
}

// ---- meta ----

// SetMeta stores an engine metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns an engine metadata value, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// MetaLastSyncAt is the meta key holding the last successful sync time.
const MetaLastSyncAt = "last_sync_at"

// SetLastSyncAt records the completion time of the last successful drain.
func (s *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastSyncAt, t.UTC().Format(timeLayout))
}

// LastSyncAt returns the last successful drain time, or nil if no drain
// has succeeded yet.
func (s *Store) LastSyncAt(ctx context.Context) (*time.Time, error) {
	value, err := s.GetMeta(ctx, MetaLastSyncAt)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(timeParseLayout, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return &t, nil
}

// ---- scanning helpers ----

func scanEntry(scan func(...any) error) (*record.CacheEntry, error) {
	var e record.CacheEntry
	var data, band, createdAt string
	var expiresAt sql.NullString

	if err := scan(&e.Key, &data, &band, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	e.Data = []byte(data)
	e.Band = record.Band(band)

	t, err := time.Parse(timeParseLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	e.Timestamp = t
	e.ExpiresAt = nullStringToTime(expiresAt)

	return &e, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]*record.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var items []*record.QueueItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

func scanItem(scan func(...any) error) (*record.QueueItem, error) {
	var item record.QueueItem
	var kind, action, data, createdAt string
	var failed int
	var lastError, nextAttemptAt sql.NullString

	if err := scan(&item.ID, &kind, &action, &data, &createdAt,
		&item.Priority, &item.Retries, &failed, &lastError, &nextAttemptAt); err != nil {
		return nil, err
	}

	item.Kind = record.Kind(kind)
	item.Action = record.Action(action)
	item.Data = []byte(data)
	item.Failed = failed != 0
	item.LastError = lastError.String

	t, err := time.Parse(timeParseLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	item.Timestamp = t

	if next := nullStringToTime(nextAttemptAt); next != nil {
		item.NextAttemptAt = *next
	}

	return &item, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func zeroTimeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeParseLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
