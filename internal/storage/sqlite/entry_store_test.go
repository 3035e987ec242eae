package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/storage/storetest"
)

func openTestStore(t *testing.T, clock frontier.Clock) *EntryStore {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Path:      filepath.Join(t.TempDir(), "frontier.db"),
		BatchSize: storetest.BatchSize,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func TestEntryStoreBehaviour(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T, clock frontier.Clock) frontier.Store {
		return openTestStore(t, clock)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotentAndPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frontier.db")

	first, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := first.Insert(ctx, storetest.Entry(t, "https://example.com/persisted", 0, 0)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()

	var version int
	if err := second.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version error = %v", err)
	}
	if version != currentSchemaVersion {
		t.Fatalf("user_version = %d, want %d", version, currentSchemaVersion)
	}
	n, err := second.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("CountPending() = %d, want 1 after reopen", n)
	}
}

func TestConnectionPragmas(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)
	ctx := context.Background()

	var journal string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		t.Fatalf("journal_mode error = %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}
	var timeout int
	if err := store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout error = %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", timeout)
	}
	var synchronous int
	if err := store.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("synchronous error = %v", err)
	}
	if synchronous != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", synchronous)
	}
}

func TestDSNAppendsPragmas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"frontier.db", "frontier.db?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"},
		{"file:frontier.db?cache=shared", "file:frontier.db?cache=shared&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"},
	}
	for _, tc := range tests {
		if got := dsn(tc.path); got != tc.want {
			t.Errorf("dsn(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestIDsKeepIncreasingAfterClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t, nil)

	if _, err := store.Insert(ctx, storetest.Entry(t, "https://example.com/a", 0, 0)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	first, _, err := store.ClaimOne(ctx)
	if err != nil {
		t.Fatalf("ClaimOne() error = %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := store.Insert(ctx, storetest.Entry(t, "https://example.com/a", 0, 0)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	second, _, err := store.ClaimOne(ctx)
	if err != nil {
		t.Fatalf("ClaimOne() error = %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("expected id after clear to exceed %d, got %d", first.ID, second.ID)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	if err := classify("op", busy); !errors.Is(err, frontier.ErrStoreUnavailable) {
		t.Fatalf("classify(busy) = %v, want ErrStoreUnavailable", err)
	}
	constraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	if err := classify("op", constraint); errors.Is(err, frontier.ErrStoreUnavailable) {
		t.Fatalf("classify(constraint) = %v, want plain error", err)
	}
	if err := classify("op", fmt.Errorf("wrapped: %w", context.Canceled)); !errors.Is(err, context.Canceled) {
		t.Fatalf("classify(canceled) = %v, want context.Canceled", err)
	}
}

func TestCanceledContextIsNotUnavailable(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.ClaimOne(ctx)
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if errors.Is(err, frontier.ErrStoreUnavailable) {
		t.Fatalf("ClaimOne() error = %v, canceled context must not look transient", err)
	}
}
