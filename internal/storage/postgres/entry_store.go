// Package postgres provides the shared, multi-process frontier store on
// Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "frontier_entries"

// Config controls the Postgres connection pool and table layout.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	BatchSize       int
	Clock           frontier.Clock
	Logger          *zap.Logger
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// EntryStore persists frontier entries in one Postgres table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block on, or double
// claim, the same row.
type EntryStore struct {
	pool      pool
	table     string
	batchSize int
	clock     frontier.Clock
	logger    *zap.Logger
	analyzed  atomic.Bool
	queries   queries
}

type queries struct {
	insert    string
	claim     string
	complete  string
	reclaim   string
	hasWork   string
	pending   string
	stats     string
	purge     string
	clear     string
	analyze   string
	migration []string
}

// NewEntryStore connects a pool from cfg and returns the store. Call Migrate
// before first use on an empty database.
func NewEntryStore(ctx context.Context, cfg Config) (*EntryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	store, err := NewEntryStoreWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewEntryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntryStoreWithPool(p pool, cfg Config) (*EntryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
		pool:      p,
		table:     table,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger.Named("postgres_store").With(zap.String("table", table)),
		queries:   buildQueries(table),
	}, nil
}

const entryColumns = `id, dedup_key, url, source_url, link_text, link_attributes,
	link_depth, is_redirect, priority, state, claimed_at, created_at, completed_at`

func buildQueries(table string) queries {
	q := func(format string) string {
		return strings.ReplaceAll(format, "{table}", table)
	}
	return queries{
		insert: q(`
INSERT INTO {table} (
	dedup_key, url, source_url, link_text, link_attributes,
	link_depth, is_redirect, priority, state, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9)
ON CONFLICT (dedup_key) DO NOTHING`),
		claim: q(`
UPDATE {table} SET state = 'IN_FLIGHT', claimed_at = $1
WHERE id = (
	SELECT id FROM {table}
	WHERE state = 'PENDING'
	ORDER BY priority DESC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND state = 'PENDING'
RETURNING ` + entryColumns),
		complete: q(`
UPDATE {table} SET state = 'DONE', claimed_at = NULL, completed_at = $1
WHERE id = $2 AND state = 'IN_FLIGHT'`),
		reclaim: q(`
UPDATE {table} SET state = 'PENDING', claimed_at = NULL
WHERE state = 'IN_FLIGHT' AND claimed_at < $1`),
		hasWork: q(`SELECT EXISTS (SELECT 1 FROM {table} WHERE state IN ('PENDING', 'IN_FLIGHT'))`),
		pending: q(`SELECT COUNT(*) FROM {table} WHERE state = 'PENDING'`),
		stats:   q(`SELECT state, COUNT(*) FROM {table} GROUP BY state`),
		purge:   q(`DELETE FROM {table} WHERE state = 'DONE' AND completed_at < $1`),
		clear:   q(`TRUNCATE TABLE {table}`),
		analyze: q(`ANALYZE {table}`),
		migration: []string{
			q(`
CREATE TABLE IF NOT EXISTS {table} (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	dedup_key       TEXT        NOT NULL,
	url             TEXT        NOT NULL,
	source_url      TEXT        NOT NULL DEFAULT '',
	link_text       TEXT        NOT NULL DEFAULT '',
	link_attributes TEXT        NOT NULL DEFAULT '',
	link_depth      INTEGER     NOT NULL DEFAULT 0,
	is_redirect     BOOLEAN     NOT NULL DEFAULT FALSE,
	priority        INTEGER     NOT NULL DEFAULT 0,
	state           TEXT        NOT NULL DEFAULT 'PENDING'
	                CHECK (state IN ('PENDING', 'IN_FLIGHT', 'DONE')),
	claimed_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	CONSTRAINT {table}_dedup_key_key UNIQUE (dedup_key),
	CONSTRAINT {table}_claimed_at_check CHECK ((state = 'IN_FLIGHT') = (claimed_at IS NOT NULL))
)`),
			q(`CREATE INDEX IF NOT EXISTS {table}_claim_idx ON {table} (state, priority DESC, id)`),
			q(`CREATE INDEX IF NOT EXISTS {table}_claimed_at_idx ON {table} (claimed_at) WHERE state = 'IN_FLIGHT'`),
		},
	}
}

// Migrate creates the table and indexes if they do not exist.
func (s *EntryStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.queries.migration {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	s.logger.Info("schema migrated")
	return nil
}

// Close releases the underlying pool resources.
func (s *EntryStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Insert implements frontier.Store.
func (s *EntryStore) Insert(ctx context.Context, entry frontier.Entry) (frontier.InsertOutcome, error) {
	tag, err := s.pool.Exec(ctx, s.queries.insert, insertArgs(entry, s.clock.Now())...)
	if err != nil {
		return 0, classify("insert entry", err)
	}
	return outcome(tag), nil
}

// InsertBatch implements frontier.Store. Each chunk commits in its own
// transaction. The table is analyzed once, after the first committed chunk.
func (s *EntryStore) InsertBatch(ctx context.Context, entries []frontier.Entry) (frontier.BatchResult, error) {
	var total frontier.BatchResult
	for i, chunk := range frontier.Chunks(entries, s.batchSize) {
		res, err := s.insertChunk(ctx, chunk)
		if err != nil {
			return total, fmt.Errorf("chunk %d: %w", i, err)
		}
		total.Add(res)
		s.analyzeOnce(ctx)
	}
	return total, nil
}

func (s *EntryStore) insertChunk(ctx context.Context, chunk []frontier.Entry) (frontier.BatchResult, error) {
	var res frontier.BatchResult
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, classify("begin batch", err)
	}
	now := s.clock.Now()
	for _, entry := range chunk {
		tag, err := tx.Exec(ctx, s.queries.insert, insertArgs(entry, now)...)
		if err != nil {
			s.rollback(tx)
			return frontier.BatchResult{}, classify("batch insert", err)
		}
		if outcome(tag) == frontier.Inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return frontier.BatchResult{}, classify("commit batch", err)
	}
	return res, nil
}

func (s *EntryStore) rollback(tx pgx.Tx) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}

func (s *EntryStore) analyzeOnce(ctx context.Context) {
	if !s.analyzed.CompareAndSwap(false, true) {
		return
	}
	if _, err := s.pool.Exec(ctx, s.queries.analyze); err != nil {
		s.logger.Warn("analyze failed", zap.Error(err))
	}
}

// ClaimOne implements frontier.Store.
func (s *EntryStore) ClaimOne(ctx context.Context) (frontier.Entry, bool, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, s.queries.claim, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return frontier.Entry{}, false, nil
	}
	if err != nil {
		return frontier.Entry{}, false, classify("claim entry", err)
	}
	return entry, true, nil
}

// Complete implements frontier.Store.
func (s *EntryStore) Complete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, s.queries.complete, s.clock.Now(), id)
	if err != nil {
		return classify("complete entry", err)
	}
	if tag.RowsAffected() == 0 {
		return frontier.ErrNotFound
	}
	return nil
}

// ReclaimStale implements frontier.Store.
func (s *EntryStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, s.queries.reclaim, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, classify("reclaim stale", err)
	}
	return int(tag.RowsAffected()), nil
}

// HasPendingOrInFlight implements frontier.Store.
func (s *EntryStore) HasPendingOrInFlight(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, s.queries.hasWork).Scan(&exists); err != nil {
		return false, classify("check pending work", err)
	}
	return exists, nil
}

// CountPending implements frontier.Store.
func (s *EntryStore) CountPending(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, s.queries.pending).Scan(&n); err != nil {
		return 0, classify("count pending", err)
	}
	return int(n), nil
}

// Stats implements frontier.Store.
func (s *EntryStore) Stats(ctx context.Context) (frontier.Stats, error) {
	rows, err := s.pool.Query(ctx, s.queries.stats)
	if err != nil {
		return frontier.Stats{}, classify("stats", err)
	}
	defer rows.Close()

	var stats frontier.Stats
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return frontier.Stats{}, classify("scan stats", err)
		}
		switch frontier.State(state) {
		case frontier.StatePending:
			stats.Pending = int(n)
		case frontier.StateInFlight:
			stats.InFlight = int(n)
		case frontier.StateDone:
			stats.Done = int(n)
		}
	}
	if err := rows.Err(); err != nil {
		return frontier.Stats{}, classify("stats", err)
	}
	return stats, nil
}

// PurgeDone implements frontier.Store.
func (s *EntryStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, s.queries.purge, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, classify("purge done", err)
	}
	return int(tag.RowsAffected()), nil
}

// Clear implements frontier.Store.
func (s *EntryStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.queries.clear); err != nil {
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
		now,
	}
}

func outcome(tag pgconn.CommandTag) frontier.InsertOutcome {
	if tag.RowsAffected() == 0 {
		return frontier.DuplicateSkipped
	}
	return frontier.Inserted
}

func scanEntry(row pgx.Row) (frontier.Entry, error) {
	var (
		e     frontier.Entry
		state string
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
		&e.ClaimedAt,
		&e.CreatedAt,
		&e.CompletedAt,
	); err != nil {
		return frontier.Entry{}, err //nolint:wrapcheck // classified by the caller
	}
	e.State = frontier.State(state)
	if !e.State.Valid() {
		return frontier.Entry{}, fmt.Errorf("unknown entry state %q", state)
	}
	return e, nil
}

// unavailableClasses are SQLSTATE classes that describe the server or the
// connection rather than the statement.
var unavailableClasses = []string{"08", "53", "57"}

var unavailableCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// classify maps pgx errors onto the frontier error contract.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isUnavailableCode(pgErr.Code) {
			return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isConnectError(err) {
		return fmt.Errorf("%s: %w: %w", op, frontier.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailableCode(code string) bool {
	if _, ok := unavailableCodes[code]; ok {
		return true
	}
	for _, class := range unavailableClasses {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	return false
}

func isConnectError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, pgx.ErrTxClosed)
}
