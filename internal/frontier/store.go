package frontier

import (
	"context"
	"time"
)

// DefaultBatchSize is the number of rows committed per chunk by InsertBatch.
const DefaultBatchSize = 1000

// Store is the durable backing collection for frontier entries. Every method
// must be atomic with respect to every other method, across processes when
// the backend is shared.
type Store interface {
	// Insert adds a PENDING entry unless its dedup key already exists.
	Insert(ctx context.Context, entry Entry) (InsertOutcome, error)
	// InsertBatch inserts entries in chunks. Each chunk is committed on its own,
	// so on error the returned counts cover the chunks already durable.
	InsertBatch(ctx context.Context, entries []Entry) (BatchResult, error)
	// ClaimOne atomically moves the highest priority PENDING entry (lowest id
	// on ties) to IN_FLIGHT and returns it. ok is false when nothing is pending.
	ClaimOne(ctx context.Context) (entry Entry, ok bool, err error)
	// Complete moves an IN_FLIGHT entry to DONE. Any other state, or an unknown
	// id, yields ErrNotFound.
	Complete(ctx context.Context, id int64) error
	// ReclaimStale returns IN_FLIGHT entries claimed more than maxAge ago to
	// PENDING and reports how many moved.
	ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error)
	HasPendingOrInFlight(ctx context.Context) (bool, error)
	CountPending(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// PurgeDone deletes DONE entries completed more than olderThan ago.
	PurgeDone(ctx context.Context, olderThan time.Duration) (int, error)
	// Clear deletes every entry in every state.
	Clear(ctx context.Context) error
	Close() error
}

// Chunks splits entries into slices of at most size elements.
func Chunks(entries []Entry, size int) [][]Entry {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]Entry, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		out = append(out, entries[start:end])
	}
	return out
}
