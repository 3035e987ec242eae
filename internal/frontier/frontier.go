package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/policy"
)

// InvalidRecord identifies a rejected record by its position in the input.
type InvalidRecord struct {
	Index int
	Err   error
}

// AddResult summarizes an AddEntries call.
type AddResult struct {
	Inserted int
	Skipped  int
	Invalid  []InvalidRecord
}

// Frontier is the work-queue API used by crawl workers and discovery code.
// It keeps no coordination state of its own: every call is a thin transition
// over the Store, so any number of goroutines or processes may share one.
type Frontier struct {
	store    Store
	priority policy.PriorityPolicy
	observer Observer
	logger   *zap.Logger
}

// Option customizes a Frontier.
type Option func(*Frontier)

// WithPriorityPolicy replaces the default depth-based priority policy.
func WithPriorityPolicy(p policy.PriorityPolicy) Option {
	return func(f *Frontier) {
		if p != nil {
			f.priority = p
		}
	}
}

// WithObserver installs an Observer for metrics.
func WithObserver(o Observer) Option {
	return func(f *Frontier) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Frontier) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a Frontier over store.
func New(store Store, opts ...Option) *Frontier {
	f := &Frontier{
		store:    store,
		priority: policy.DepthPolicy{},
		observer: NopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("frontier")
	return f
}

// Prepare validates a record and builds the PENDING entry it would become.
func (f *Frontier) Prepare(rec LinkRecord) (Entry, error) {
	canonical, key, err := policy.Key(rec.URL)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if rec.Depth < 0 {
		return Entry{}, fmt.Errorf("%w: negative link depth %d", ErrInvalidEntry, rec.Depth)
	}
	return Entry{
		DedupKey:       key,
		URL:            rec.URL,
		SourceURL:      rec.SourceURL,
		LinkText:       rec.LinkText,
		LinkAttributes: rec.LinkAttributes,
		Depth:          rec.Depth,
		IsRedirect:     rec.IsRedirect,
		Priority: f.priority.Priority(policy.Candidate{
			URL:        canonical,
			Depth:      rec.Depth,
			IsRedirect: rec.IsRedirect,
		}),
		State: StatePending,
	}, nil
}

// AddEntry admits a single record.
func (f *Frontier) AddEntry(ctx context.Context, rec LinkRecord) (InsertOutcome, error) {
	entry, err := f.Prepare(rec)
	if err != nil {
		f.observer.EntriesAdded(AddResult{Invalid: []InvalidRecord{{Index: 0, Err: err}}})
		return 0, err
	}
	start := time.Now()
	outcome, err := f.store.Insert(ctx, entry)
	f.observer.Operation("insert", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	res := AddResult{}
	if outcome == Inserted {
		res.Inserted = 1
	} else {
		res.Skipped = 1
	}
	f.observer.EntriesAdded(res)
	return outcome, nil
}

// AddEntries admits a batch of records. Invalid records are reported in the
// result and never abort the rest. Records that collapse to the same dedup key
// within one call reach the store once; the repeats count as skipped. On a
// store error the result covers the chunks that were already committed.
func (f *Frontier) AddEntries(ctx context.Context, records []LinkRecord) (AddResult, error) {
	var res AddResult
	if len(records) == 0 {
		return res, nil
	}

	entries := make([]Entry, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		entry, err := f.Prepare(rec)
		if err != nil {
			res.Invalid = append(res.Invalid, InvalidRecord{Index: i, Err: err})
			continue
		}
		if _, dup := seen[entry.DedupKey]; dup {
			res.Skipped++
			continue
		}
		seen[entry.DedupKey] = struct{}{}
		entries = append(entries, entry)
	}

	if len(res.Invalid) > 0 {
		f.logger.Debug("rejected invalid records", zap.Int("count", len(res.Invalid)))
	}
	if len(entries) == 0 {
		f.observer.EntriesAdded(res)
		return res, nil
	}

	start := time.Now()
	batch, err := f.store.InsertBatch(ctx, entries)
	f.observer.Operation("insert_batch", time.Since(start), err)
	res.Inserted += batch.Inserted
	res.Skipped += batch.Skipped
	f.observer.EntriesAdded(res)
	if err != nil {
		f.logger.Warn("batch insert stopped early",
			zap.Int("inserted", batch.Inserted),
			zap.Int("skipped", batch.Skipped),
			zap.Int("submitted", len(entries)),
			zap.Error(err),
		)
		return res, fmt.Errorf("insert batch: %w", err)
	}
	return res, nil
}

// ClaimNext hands out the highest priority pending entry. ok is false when
// nothing is pending, even if entries are still in flight.
func (f *Frontier) ClaimNext(ctx context.Context) (Entry, bool, error) {
	start := time.Now()
	entry, ok, err := f.store.ClaimOne(ctx)
	f.observer.Operation("claim", time.Since(start), err)
	if err != nil {
		return Entry{}, false, fmt.Errorf("claim entry: %w", err)
	}
	f.observer.Claimed(ok)
	return entry, ok, nil
}

// MarkDone completes an in-flight entry. Completing an entry twice, or one
// that was reclaimed in the meantime and is PENDING again, yields ErrNotFound.
func (f *Frontier) MarkDone(ctx context.Context, id int64) error {
	start := time.Now()
	err := f.store.Complete(ctx, id)
	f.observer.Operation("complete", time.Since(start), ignoreNotFound(err))
	if err != nil {
		return fmt.Errorf("complete entry %d: %w", id, err)
	}
	f.observer.Completed()
	return nil
}

// RequeueStale returns entries in flight for longer than maxAge to PENDING.
func (f *Frontier) RequeueStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("requeue stale: max age must be > 0, got %s", maxAge)
	}
	start := time.Now()
	n, err := f.store.ReclaimStale(ctx, maxAge)
	f.observer.Operation("reclaim", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale entries: %w", err)
	}
	if n > 0 {
		f.logger.Info("requeued stale entries", zap.Int("count", n), zap.Duration("max_age", maxAge))
	}
	f.observer.Reclaimed(n)
	return n, nil
}

// HasWork reports whether anything is pending or in flight. Crawl drivers use
// it as the termination signal.
func (f *Frontier) HasWork(ctx context.Context) (bool, error) {
	ok, err := f.store.HasPendingOrInFlight(ctx)
	if err != nil {
		return false, fmt.Errorf("check pending work: %w", err)
	}
	return ok, nil
}

// PendingCount returns the number of PENDING entries.
func (f *Frontier) PendingCount(ctx context.Context) (int, error) {
	n, err := f.store.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Stats returns entry counts per state.
func (f *Frontier) Stats(ctx context.Context) (Stats, error) {
	stats, err := f.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("frontier stats: %w", err)
	}
	f.observer.StateCounts(stats)
	return stats, nil
}

// PurgeDone deletes entries completed more than olderThan ago. A purged URL
// can be discovered and crawled again.
func (f *Frontier) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("purge done: retention must be > 0, got %s", olderThan)
	}
	start := time.Now()
	n, err := f.store.PurgeDone(ctx, olderThan)
	f.observer.Operation("purge", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("purge done entries: %w", err)
	}
	if n > 0 {
		f.logger.Info("purged done entries", zap.Int("count", n), zap.Duration("retention", olderThan))
	}
	f.observer.Purged(n)
	return n, nil
}

// Clear removes every entry.
func (f *Frontier) Clear(ctx context.Context) error {
	if err := f.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear frontier: %w", err)
	}
	f.logger.Info("frontier cleared")
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
