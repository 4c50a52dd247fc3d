package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the event log to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and sidesteps
	// SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL,
			payload BLOB,
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			processed_at TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)`, rec.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return fmt.Errorf("append %s: %w", rec.ID, ErrDuplicateID)
	}

	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	status := rec.Status
	if status == "" {
		status = StatusPending
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, aggregate_id, version, payload, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.EventType, rec.AggregateID, rec.Version, rec.Payload, meta,
		string(status), rec.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// MarkCompleted implements Store.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, processed_at = ? WHERE id = ?
	`, string(StatusCompleted), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark completed %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed implements Store.
// The error message is merged into the record's metadata under "error".
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rawMeta string
	if err := tx.QueryRowContext(ctx,
		`SELECT metadata FROM events WHERE id = ?`, id,
	).Scan(&rawMeta); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("load metadata: %w", err)
	}

	meta := make(map[string]any)
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	meta["error"] = errMsg

	encoded, err := marshalMetadata(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET status = ?, processed_at = ?, metadata = ? WHERE id = ?
	`, string(StatusFailed), time.Now().UTC().Format(time.RFC3339Nano), encoded, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	return tx.Commit()
}

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return rec, nil
}

// GetByAggregateID implements Store.
func (s *SQLiteStore) GetByAggregateID(ctx context.Context, aggregateID string) ([]*Record, error) {
	return s.queryRecords(ctx,
		selectColumns+` WHERE aggregate_id = ? ORDER BY created_at ASC`, aggregateID)
}

// GetByType implements Store.
func (s *SQLiteStore) GetByType(ctx context.Context, eventType string, limit int) ([]*Record, error) {
	q := selectColumns + ` WHERE event_type = ? ORDER BY created_at DESC`
	args := []any{eventType}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, q, args...)
}

// QueryForReplay implements Store.
func (s *SQLiteStore) QueryForReplay(ctx context.Context, f Filter) ([]*Record, error) {
	var where []string
	var args []any

	if f.FromDate != nil {
		where = append(where, `created_at >= ?`)
		args = append(args, f.FromDate.UTC().Format(time.RFC3339Nano))
	}
	if f.ToDate != nil {
		where = append(where, `created_at <= ?`)
		args = append(args, f.ToDate.UTC().Format(time.RFC3339Nano))
	}
	if len(f.EventTypes) > 0 {
		where = append(where, `event_type IN (`+placeholders(len(f.EventTypes))+`)`)
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if len(f.AggregateIDs) > 0 {
		where = append(where, `aggregate_id IN (`+placeholders(len(f.AggregateIDs))+`)`)
		for _, id := range f.AggregateIDs {
			args = append(args, id)
		}
	}
	if f.Version != "" {
		where = append(where, `version = ?`)
		args = append(args, f.Version)
	}

	q := selectColumns
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at ASC`
	if f.BatchSize > 0 {
		q += ` LIMIT ?`
		args = append(args, f.BatchSize)
	}

	return s.queryRecords(ctx, q, args...)
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		ByStatus: make(map[Status]int),
		ByType:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		var n int
		if err := typeRows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[t] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}

	return stats, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const selectColumns = `SELECT id, event_type, aggregate_id, version, payload, metadata, status, created_at, processed_at FROM events`

func (s *SQLiteStore) queryRecords(ctx context.Context, q string, args ...any) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var rawMeta, createdAt, status string
	var processedAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.EventType, &rec.AggregateID, &rec.Version,
		&rec.Payload, &rawMeta, &status, &createdAt, &processedAt); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err == nil {
			rec.ProcessedAt = &t
		}
	}
	if rawMeta != "" {
		meta := make(map[string]any)
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		rec.Metadata = meta
	}
	return &rec, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
