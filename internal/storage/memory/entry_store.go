// Package memory provides an in-process frontier store for development,
// tests, and single-run crawls that do not need to survive restarts.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

// EntryStore keeps entries in maps guarded by a single mutex. Pending entries
// sit in a heap ordered by priority (desc) then id (asc), so claiming is
// O(log n) inside the critical section.
type EntryStore struct {
	mu        sync.Mutex
	clock     frontier.Clock
	batchSize int
	nextID    int64
	entries   map[int64]*frontier.Entry
	byKey     map[string]int64
	pending   pendingHeap
	inFlight  map[int64]struct{}
}

// Option customizes an EntryStore.
type Option func(*EntryStore)

// WithBatchSize sets how many entries InsertBatch applies per lock hold.
// Non-positive sizes fall back to frontier.DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *EntryStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewEntryStore constructs an empty EntryStore. A nil clock uses the system clock.
func NewEntryStore(clock frontier.Clock, opts ...Option) *EntryStore {
	if clock == nil {
		clock = frontier.SystemClock{}
	}
	s := &EntryStore{
		clock:     clock,
		batchSize: frontier.DefaultBatchSize,
		entries:   make(map[int64]*frontier.Entry),
		byKey:     make(map[string]int64),
		inFlight:  make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert implements frontier.Store.
func (s *EntryStore) Insert(ctx context.Context, entry frontier.Entry) (frontier.InsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entry), nil
}

// InsertBatch implements frontier.Store. Each chunk is applied under its own
// lock hold so claims interleave with large batches. A context cancelled
// between chunks stops the batch; the result covers the applied chunks.
func (s *EntryStore) InsertBatch(ctx context.Context, entries []frontier.Entry) (frontier.BatchResult, error) {
	var total frontier.BatchResult
	for i, chunk := range frontier.Chunks(entries, s.batchSize) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("chunk %d: %w", i, err)
		}
		total.Add(s.insertChunk(chunk))
	}
	return total, nil
}

func (s *EntryStore) insertChunk(chunk []frontier.Entry) frontier.BatchResult {
	var res frontier.BatchResult
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range chunk {
		if s.insertLocked(entry) == frontier.Inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	return res
}

func (s *EntryStore) insertLocked(entry frontier.Entry) frontier.InsertOutcome {
	if _, exists := s.byKey[entry.DedupKey]; exists {
		return frontier.DuplicateSkipped
	}
	s.nextID++
	stored := entry
	stored.ID = s.nextID
	stored.State = frontier.StatePending
	stored.ClaimedAt = nil
	stored.CompletedAt = nil
	stored.CreatedAt = s.clock.Now()
	s.entries[stored.ID] = &stored
	s.byKey[stored.DedupKey] = stored.ID
	heap.Push(&s.pending, &stored)
	return frontier.Inserted
}

// ClaimOne implements frontier.Store.
func (s *EntryStore) ClaimOne(ctx context.Context) (frontier.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return frontier.Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return frontier.Entry{}, false, nil
	}
	entry := heap.Pop(&s.pending).(*frontier.Entry)
	now := s.clock.Now()
	entry.State = frontier.StateInFlight
	entry.ClaimedAt = &now
	s.inFlight[entry.ID] = struct{}{}
	return snapshot(entry), true, nil
}

// Complete implements frontier.Store.
func (s *EntryStore) Complete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.State != frontier.StateInFlight {
		return frontier.ErrNotFound
	}
	now := s.clock.Now()
	entry.State = frontier.StateDone
	entry.ClaimedAt = nil
	entry.CompletedAt = &now
	delete(s.inFlight, id)
	return nil
}

// ReclaimStale implements frontier.Store.
func (s *EntryStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	reclaimed := 0
	for id := range s.inFlight {
		entry := s.entries[id]
		if !entry.ClaimedAt.Before(cutoff) {
			continue
		}
		entry.State = frontier.StatePending
		entry.ClaimedAt = nil
		delete(s.inFlight, id)
		heap.Push(&s.pending, entry)
		reclaimed++
	}
	return reclaimed, nil
}

// HasPendingOrInFlight implements frontier.Store.
func (s *EntryStore) HasPendingOrInFlight(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() > 0 || len(s.inFlight) > 0, nil
}

// CountPending implements frontier.Store.
func (s *EntryStore) CountPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len(), nil
}

// Stats implements frontier.Store.
func (s *EntryStore) Stats(ctx context.Context) (frontier.Stats, error) {
	if err := ctx.Err(); err != nil {
		return frontier.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, inFlight := s.pending.Len(), len(s.inFlight)
	return frontier.Stats{
		Pending:  pending,
		InFlight: inFlight,
		Done:     len(s.entries) - pending - inFlight,
	}, nil
}

// PurgeDone implements frontier.Store.
func (s *EntryStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-olderThan)
	purged := 0
	for id, entry := range s.entries {
		if entry.State != frontier.StateDone || !entry.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.entries, id)
		delete(s.byKey, entry.DedupKey)
		purged++
	}
	return purged, nil
}

// Clear implements frontier.Store. Ids keep increasing across clears.
func (s *EntryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]*frontier.Entry)
	s.byKey = make(map[string]int64)
	s.inFlight = make(map[int64]struct{})
	s.pending = nil
	return nil
}

// Close implements frontier.Store.
func (s *EntryStore) Close() error {
	return nil
}

// Get returns a copy of the entry with the given id.
func (s *EntryStore) Get(id int64) (frontier.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return frontier.Entry{}, false
	}
	return snapshot(entry), true
}

func snapshot(entry *frontier.Entry) frontier.Entry {
	out := *entry
	if entry.ClaimedAt != nil {
		out.ClaimedAt = pointerTime(*entry.ClaimedAt)
	}
	if entry.CompletedAt != nil {
		out.CompletedAt = pointerTime(*entry.CompletedAt)
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

type pendingHeap []*frontier.Entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*frontier.Entry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
