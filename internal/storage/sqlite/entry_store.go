// Package sqlite provides a single-node durable frontier store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - partial index on claimed_at for stale reclaim
const currentSchemaVersion = 1

const entryColumns = `id, dedup_key, url, source_url, link_text, link_attributes,
	link_depth, is_redirect, priority, state, claimed_at, created_at, completed_at`

const insertSQL = `
INSERT INTO frontier_entries (
	dedup_key, url, source_url, link_text, link_attributes,
	link_depth, is_redirect, priority, state, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)
ON CONFLICT (dedup_key) DO NOTHING`

// Config controls the SQLite store.
type Config struct {
	Path      string
	BatchSize int
	Clock     frontier.Clock
	Logger    *zap.Logger
}

// EntryStore persists frontier entries in a SQLite database. SQLite allows a
// single writer, so the pool is pinned to one connection and every statement
// below is a complete transition on its own.
type EntryStore struct {
	db        *sql.DB
	batchSize int
	clock     frontier.Clock
	logger    *zap.Logger
}

// Open creates or opens the database at cfg.Path, applies migrations, and
// returns a ready store.
func Open(ctx context.Context, cfg Config) (*EntryStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	db, err := sql.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = frontier.DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = frontier.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntryStore{
		db:        db,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger.Named("sqlite_store"),
	}, nil
}

// connPragmas are set through the DSN so the driver applies them to every
// connection it opens, not only the first one.
var connPragmas = []string{
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_synchronous=NORMAL",
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(connPragmas, "&")
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_frontier_entries_claimed_at
			ON frontier_entries (claimed_at) WHERE state = 'IN_FLIGHT'`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *EntryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Insert implements frontier.Store.
func (s *EntryStore) Insert(ctx context.Context, entry frontier.Entry) (frontier.InsertOutcome, error) {
	res, err := s.db.ExecContext(ctx, insertSQL, insertArgs(entry, s.clock.Now())...)
	if err != nil {
		return 0, classify("insert entry", err)
	}
	return outcome(res)
}

// InsertBatch implements frontier.Store. Each chunk is one transaction.
func (s *EntryStore) InsertBatch(ctx context.Context, entries []frontier.Entry) (frontier.BatchResult, error) {
	var total frontier.BatchResult
	for i, chunk := range frontier.Chunks(entries, s.batchSize) {
		res, err := s.insertChunk(ctx, chunk)
		if err != nil {
			return total, fmt.Errorf("chunk %d: %w", i, err)
		}
		total.Add(res)
	}
	return total, nil
}

func (s *EntryStore) insertChunk(ctx context.Context, chunk []frontier.Entry) (frontier.BatchResult, error) {
	var res frontier.BatchResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify("begin batch", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return res, classify("prepare batch insert", err)
	}
	now := s.clock.Now()
	for _, entry := range chunk {
		r, err := stmt.ExecContext(ctx, insertArgs(entry, now)...)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return frontier.BatchResult{}, classify("batch insert", err)
		}
		o, err := outcome(r)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return frontier.BatchResult{}, err
		}
		if o == frontier.Inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return frontier.BatchResult{}, classify("commit batch", err)
	}
	return res, nil
}

// ClaimOne implements frontier.Store with a single UPDATE ... RETURNING, so
// selecting the best pending row and flipping it cannot interleave.
func (s *EntryStore) ClaimOne(ctx context.Context) (frontier.Entry, bool, error) {
	query := `
UPDATE frontier_entries
SET state = 'IN_FLIGHT', claimed_at = ?
WHERE id = (
	SELECT id FROM frontier_entries
	WHERE state = 'PENDING'
	ORDER BY priority DESC, id ASC
	LIMIT 1
)
RETURNING ` + entryColumns
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, s.clock.Now().UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return frontier.Entry{}, false, nil
	}
	if err != nil {
		return frontier.Entry{}, false, classify("claim entry", err)
	}
	return entry, true, nil
}

// Complete implements frontier.Store.
func (s *EntryStore) Complete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE frontier_entries
SET state = 'DONE', claimed_at = NULL, completed_at = ?
WHERE id = ? AND state = 'IN_FLIGHT'`, s.clock.Now().UnixNano(), id)
	if err != nil {
		return classify("complete entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("complete entry", err)
	}
	if n == 0 {
		return frontier.ErrNotFound
	}
	return nil
}

// ReclaimStale implements frontier.Store.
func (s *EntryStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE frontier_entries
SET state = 'PENDING', claimed_at = NULL
WHERE state = 'IN_FLIGHT' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, classify("reclaim stale", err)
	}
	return rowsAffected("reclaim stale", res)
}

// HasPendingOrInFlight implements frontier.Store.
func (s *EntryStore) HasPendingOrInFlight(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM frontier_entries WHERE state IN ('PENDING', 'IN_FLIGHT'))`).Scan(&exists)
	if err != nil {
		return false, classify("check pending work", err)
	}
	return exists, nil
}

// CountPending implements frontier.Store.
func (s *EntryStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frontier_entries WHERE state = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, classify("count pending", err)
	}
	return n, nil
}

// Stats implements frontier.Store.
func (s *EntryStore) Stats(ctx context.Context) (frontier.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM frontier_entries GROUP BY state`)
	if err != nil {
		return frontier.Stats{}, classify("stats", err)
	}
	defer rows.Close()

	var stats frontier.Stats
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return frontier.Stats{}, classify("scan stats", err)
		}
		switch frontier.State(state) {
		case frontier.StatePending:
			stats.Pending = n
		case frontier.StateInFlight:
			stats.InFlight = n
		case frontier.StateDone:
			stats.Done = n
		}
	}
	if err := rows.Err(); err != nil {
		return frontier.Stats{}, classify("stats", err)
	}
	return stats, nil
}

// PurgeDone implements frontier.Store.
func (s *EntryStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM frontier_entries WHERE state = 'DONE' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, classify("purge done", err)
	}
	return rowsAffected("purge done", res)
}

// Clear implements frontier.Store.
func (s *EntryStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM frontier_entries`); err != nil {
		return classify("clear entries", err)
	}
	s.logger.Info("cleared frontier entries")
	return nil
}

func insertArgs(entry frontier.Entry, now time.Time) []any {
	return []any{
		entry.DedupKey,
		entry.URL,
		entry.SourceURL,
		entry.LinkText,
		entry.LinkAttributes,
		entry.Depth,
		entry.IsRedirect,
		entry.Priority,
		now.UnixNano(),
	}
}

func outcome(res sql.Result) (frontier.InsertOutcome, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("rows affected", err)
	}
	if n == 0 {
		return frontier.DuplicateSkipped, nil
	}
	return frontier.Inserted, nil
}

func rowsAffected(op string, res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return int(n), nil
}

func scanEntry(row *sql.Row) (frontier.Entry, error) {
	var (
		e                      frontier.Entry
		state                  string
		claimedAt, completedAt sql.NullInt64
		createdAt              int64
	)
	if err := row.Scan(
		&e.ID,
		&e.DedupKey,
		&e.URL,
		&e.SourceURL,
		&e.LinkText,
		&e.LinkAttributes,
		&e.Depth,
		&e.IsRedirect,
		&e.Priority,
		&state,
		&claimedAt,
		&createdAt,
		&completedAt,
	); err != nil {
		return frontier.Entry{}, err
	}
	e.State = frontier.State(state)
	if !e.State.Valid() {
		return frontier.Entry{}, fmt.Errorf("unknown entry state %q", state)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.ClaimedAt = nanosToTime(claimedAt)
	e.CompletedAt = nanosToTime(completedAt)
	return e, nil
}

func nanosToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// classify maps driver errors onto the frontier error contract: lock
// contention and closed connections are transient, context errors pass
// through, everything else is a plain wrapped error.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
