package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/storage/storetest"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, batchSize int) (pgxmock.PgxPoolIface, *EntryStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewEntryStoreWithPool(mock, Config{
		BatchSize: batchSize,
		Clock:     storetest.NewClock(testNow),
	})
	require.NoError(t, err)
	return mock, store
}

func insertArgMatchers(e frontier.Entry) []any {
	return []any{
		e.DedupKey, e.URL, e.SourceURL, e.LinkText, e.LinkAttributes,
		e.Depth, e.IsRedirect, e.Priority, testNow,
	}
}

func TestNewEntryStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewEntryStoreWithPool(mock, Config{Table: "bad;table"})
	require.Error(t, err)
	_, err = NewEntryStoreWithPool(nil, Config{})
	require.Error(t, err)
}

func TestNewEntryStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewEntryStore(context.Background(), Config{})
	require.EqualError(t, err, "postgres.dsn is required")
}

func TestMigrateCreatesTableAndIndexes(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS frontier_entries").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS frontier_entries_claim_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS frontier_entries_claimed_at_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutcomes(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	entry := storetest.Entry(t, "https://example.com/a", 3, 1)

	mock.ExpectExec("INSERT INTO frontier_entries").
		WithArgs(insertArgMatchers(entry)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO frontier_entries").
		WithArgs(insertArgMatchers(entry)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	outcome, err := store.Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, frontier.Inserted, outcome)

	outcome, err = store.Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, frontier.DuplicateSkipped, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchCommitsPerChunkAndAnalyzesOnce(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 2)
	entries := []frontier.Entry{
		storetest.Entry(t, "https://example.com/1", 0, 0),
		storetest.Entry(t, "https://example.com/2", 0, 0),
		storetest.Entry(t, "https://example.com/3", 0, 0),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO frontier_entries").WithArgs(insertArgMatchers(entries[0])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO frontier_entries").WithArgs(insertArgMatchers(entries[1])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectExec("ANALYZE frontier_entries").WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO frontier_entries").WithArgs(insertArgMatchers(entries[2])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.InsertBatch(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, frontier.BatchResult{Inserted: 2, Skipped: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchKeepsCommittedChunksOnFailure(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 1)
	store.analyzed.Store(true)
	entries := []frontier.Entry{
		storetest.Entry(t, "https://example.com/1", 0, 0),
		storetest.Entry(t, "https://example.com/2", 0, 0),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO frontier_entries").WithArgs(insertArgMatchers(entries[0])...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO frontier_entries").WithArgs(insertArgMatchers(entries[1])...).
		WillReturnError(&pgconn.PgError{Code: "08006"})
	mock.ExpectRollback()

	res, err := store.InsertBatch(context.Background(), entries)
	require.ErrorIs(t, err, frontier.ErrStoreUnavailable)
	assert.Equal(t, frontier.BatchResult{Inserted: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func entryRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "dedup_key", "url", "source_url", "link_text", "link_attributes",
		"link_depth", "is_redirect", "priority", "state", "claimed_at", "created_at", "completed_at",
	})
}

func TestClaimOneReturnsEntry(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	claimedAt := testNow
	created := testNow.Add(-time.Hour)

	mock.ExpectQuery("UPDATE frontier_entries SET state = 'IN_FLIGHT'").
		WithArgs(testNow).
		WillReturnRows(entryRows().AddRow(
			int64(42), "key", "https://example.com/", "https://example.com/src", "text", "<a>",
			1, true, -1, "IN_FLIGHT", &claimedAt, created, nil,
		))

	entry, ok, err := store.ClaimOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), entry.ID)
	assert.Equal(t, frontier.StateInFlight, entry.State)
	assert.Equal(t, -1, entry.Priority)
	assert.Equal(t, 1, entry.Depth)
	assert.True(t, entry.IsRedirect)
	require.NotNil(t, entry.ClaimedAt)
	assert.True(t, entry.ClaimedAt.Equal(testNow))
	assert.True(t, entry.CreatedAt.Equal(created))
	assert.Nil(t, entry.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOneEmpty(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectQuery("UPDATE frontier_entries SET state = 'IN_FLIGHT'").
		WithArgs(testNow).
		WillReturnRows(entryRows())

	_, ok, err := store.ClaimOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOneRejectsUnknownState(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	claimedAt := testNow
	mock.ExpectQuery("UPDATE frontier_entries SET state = 'IN_FLIGHT'").
		WithArgs(testNow).
		WillReturnRows(entryRows().AddRow(
			int64(7), "key", "https://example.com/", "", "", "",
			0, false, 0, "LOST", &claimedAt, testNow, nil,
		))

	_, ok, err := store.ClaimOne(context.Background())
	require.ErrorContains(t, err, "unknown entry state")
	assert.False(t, ok)
	assert.NotErrorIs(t, err, frontier.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOneUsesSkipLocked(t *testing.T) {
	t.Parallel()

	q := buildQueries("frontier_entries")
	assert.Contains(t, q.claim, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, q.claim, "ORDER BY priority DESC, id ASC")
}

func TestCompleteNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectExec("UPDATE frontier_entries SET state = 'DONE'").
		WithArgs(testNow, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE frontier_entries SET state = 'DONE'").
		WithArgs(testNow, int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.ErrorIs(t, store.Complete(context.Background(), 9), frontier.ErrNotFound)
	require.NoError(t, store.Complete(context.Background(), 10))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleUsesCutoff(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectExec("UPDATE frontier_entries SET state = 'PENDING'").
		WithArgs(testNow.Add(-5 * time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.ReclaimStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountsAndStats(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM frontier_entries")).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM frontier_entries WHERE state = 'PENDING'")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, COUNT(*) FROM frontier_entries GROUP BY state")).
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("PENDING", int64(4)).
			AddRow("IN_FLIGHT", int64(2)).
			AddRow("DONE", int64(7)))

	ctx := context.Background()
	has, err := store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{Pending: 4, InFlight: 2, Done: 7}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeAndClear(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectExec("DELETE FROM frontier_entries WHERE state = 'DONE'").
		WithArgs(testNow.Add(-24 * time.Hour)).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("TRUNCATE TABLE frontier_entries").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	n, err := store.PurgeDone(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, store.Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify("op", tc.err)
			assert.Equal(t, tc.unavailable, errors.Is(err, frontier.ErrStoreUnavailable), "classify(%v) = %v", tc.err, err)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClassifyPassesContextErrors(t *testing.T) {
	t.Parallel()

	err := classify("op", fmt.Errorf("query: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, frontier.ErrStoreUnavailable)
}

func TestClaimOneClassifiesErrors(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, 0)
	mock.ExpectQuery("UPDATE frontier_entries SET state = 'IN_FLIGHT'").
		WithArgs(testNow).
		WillReturnError(&pgconn.PgError{Code: "57P01"})

	_, _, err := store.ClaimOne(context.Background())
	require.ErrorIs(t, err, frontier.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
