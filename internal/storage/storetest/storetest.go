// Package storetest holds the behavioural suite every frontier.Store backend
// must pass, plus a manual clock for driving reclaim and retention.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/policy"
)

// BatchSize is the chunk size factories should configure so chunking is exercised.
const BatchSize = 2

// Factory builds an empty store that reads time from clock.
type Factory func(t *testing.T, clock frontier.Clock) frontier.Store

// Clock is a manually advanced frontier.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock fixed at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements frontier.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Entry builds a pending entry for rawURL with the given priority and depth.
func Entry(t *testing.T, rawURL string, priority, depth int) frontier.Entry {
	t.Helper()
	_, key, err := policy.Key(rawURL)
	require.NoError(t, err)
	return frontier.Entry{
		DedupKey:       key,
		URL:            rawURL,
		SourceURL:      "https://example.com/",
		LinkText:       "link",
		LinkAttributes: `<a href="` + rawURL + `">`,
		Depth:          depth,
		Priority:       priority,
		State:          frontier.StatePending,
	}
}

func start() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"InsertDeduplicates", testInsertDeduplicates},
		{"InsertBatchIsIdempotentOnRetry", testInsertBatchRetry},
		{"ClaimOrdersByPriorityThenInsertion", testClaimOrder},
		{"ClaimSetsInFlight", testClaimSetsInFlight},
		{"CompleteTransitions", testComplete},
		{"ReclaimOnlyAfterMaxAge", testReclaim},
		{"HasPendingOrInFlight", testHasWork},
		{"StatsAndCountPending", testStats},
		{"PurgeDoneAllowsRediscovery", testPurgeDone},
		{"ClearRemovesEverything", testClear},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"ShallowLinksFirst", testDepthExample},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore)
		})
	}
}

func testInsertDeduplicates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	outcome, err := store.Insert(ctx, Entry(t, "https://example.com/a", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, frontier.Inserted, outcome)

	dup := Entry(t, "https://EXAMPLE.com/a#top", 5, 1)
	outcome, err = store.Insert(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, frontier.DuplicateSkipped, outcome)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.SameResource(dup))
	assert.Equal(t, 0, entry.Priority, "duplicate must not overwrite the first insert")
	assert.Equal(t, "https://example.com/a", entry.URL)
}

func testInsertBatchRetry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	batch := make([]frontier.Entry, 0, 5)
	for i := range 5 {
		batch = append(batch, Entry(t, fmt.Sprintf("https://example.com/%d", i), 0, 0))
	}
	res, err := store.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, frontier.BatchResult{Inserted: 5}, res)

	retry := append(batch[:len(batch):len(batch)],
		Entry(t, "https://example.com/new-1", 0, 0),
		Entry(t, "https://example.com/new-2", 0, 0),
	)
	res, err = store.InsertBatch(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, frontier.BatchResult{Inserted: 2, Skipped: 5}, res)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	res, err = store.InsertBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, frontier.BatchResult{}, res)
}

func testClaimOrder(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	_, err := store.InsertBatch(ctx, []frontier.Entry{
		Entry(t, "https://example.com/p3", 3, 0),
		Entry(t, "https://example.com/p1", 1, 0),
		Entry(t, "https://example.com/p2", 2, 0),
		Entry(t, "https://example.com/tie-a", 0, 0),
		Entry(t, "https://example.com/tie-b", 0, 0),
	})
	require.NoError(t, err)

	var got []string
	for {
		entry, ok, err := store.ClaimOne(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, entry.URL)
	}
	assert.Equal(t, []string{
		"https://example.com/p3",
		"https://example.com/p2",
		"https://example.com/p1",
		"https://example.com/tie-a",
		"https://example.com/tie-b",
	}, got)
}

func testClaimSetsInFlight(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(start())
	store := newStore(t, clock)

	_, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty store has nothing to claim")

	want := Entry(t, "https://example.com/page", 4, 2)
	want.IsRedirect = true
	_, err = store.Insert(ctx, want)
	require.NoError(t, err)

	clock.Advance(time.Second)
	entry, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Positive(t, entry.ID)
	assert.Equal(t, frontier.StateInFlight, entry.State)
	require.NotNil(t, entry.ClaimedAt)
	assert.True(t, entry.ClaimedAt.Equal(clock.Now()), "claimed_at = %s", entry.ClaimedAt)
	assert.True(t, entry.CreatedAt.Equal(start()), "created_at = %s", entry.CreatedAt)
	assert.Nil(t, entry.CompletedAt)
	assert.True(t, entry.SameResource(want))
	assert.Equal(t, want.Record(), entry.Record())
	assert.Equal(t, 4, entry.Priority)

	_, ok, err = store.ClaimOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "in-flight entries are not claimable")
}

func testComplete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(start())
	store := newStore(t, clock)

	_, err := store.InsertBatch(ctx, []frontier.Entry{
		Entry(t, "https://example.com/a", 1, 0),
		Entry(t, "https://example.com/b", 0, 0),
	})
	require.NoError(t, err)

	claimed, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Complete(ctx, claimed.ID))
	require.ErrorIs(t, store.Complete(ctx, claimed.ID), frontier.ErrNotFound, "double complete")
	require.ErrorIs(t, store.Complete(ctx, 999999), frontier.ErrNotFound, "unknown id")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{Pending: 1, Done: 1}, stats)

	pending, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(time.Minute)
	n, err := store.ReclaimStale(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.ErrorIs(t, store.Complete(ctx, pending.ID), frontier.ErrNotFound, "pending entry cannot complete")
}

func testReclaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(start())
	store := newStore(t, clock)
	maxAge := 5 * time.Minute

	_, err := store.Insert(ctx, Entry(t, "https://example.com/slow", 0, 0))
	require.NoError(t, err)
	claimed, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(maxAge)
	n, err := store.ReclaimStale(ctx, maxAge)
	require.NoError(t, err)
	assert.Zero(t, n, "an entry exactly maxAge old is not stale")

	has, err := store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	clock.Advance(time.Millisecond)
	n, err = store.ReclaimStale(ctx, maxAge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, claimed.ID, again.ID)
	assert.True(t, again.ClaimedAt.Equal(clock.Now()))
	require.ErrorIs(t, store.Complete(ctx, claimed.ID+1000), frontier.ErrNotFound)
	require.NoError(t, store.Complete(ctx, again.ID))
}

func testHasWork(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	has, err := store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.False(t, has, "empty")

	_, err = store.Insert(ctx, Entry(t, "https://example.com/", 0, 0))
	require.NoError(t, err)
	has, err = store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.True(t, has, "pending")

	entry, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	has, err = store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.True(t, has, "in flight only")

	require.NoError(t, store.Complete(ctx, entry.ID))
	has, err = store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.False(t, has, "all done")
}

func testStats(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	for i := range 4 {
		_, err := store.Insert(ctx, Entry(t, fmt.Sprintf("https://example.com/s/%d", i), 0, 0))
		require.NoError(t, err)
	}
	first, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	_, _, err = store.ClaimOne(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, first.ID))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{Pending: 2, InFlight: 1, Done: 1}, stats)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testPurgeDone(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(start())
	store := newStore(t, clock)

	_, err := store.InsertBatch(ctx, []frontier.Entry{
		Entry(t, "https://example.com/old", 1, 0),
		Entry(t, "https://example.com/recent", 0, 0),
	})
	require.NoError(t, err)

	old, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, old.ID))

	clock.Advance(2 * time.Hour)
	recent, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, recent.ID))

	n, err := store.PurgeDone(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{Done: 1}, stats)

	outcome, err := store.Insert(ctx, Entry(t, "https://example.com/old", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, frontier.Inserted, outcome, "purged url can be rediscovered")
	outcome, err = store.Insert(ctx, Entry(t, "https://example.com/recent", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, frontier.DuplicateSkipped, outcome)
}

func testClear(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	_, err := store.InsertBatch(ctx, []frontier.Entry{
		Entry(t, "https://example.com/1", 0, 0),
		Entry(t, "https://example.com/2", 0, 0),
		Entry(t, "https://example.com/3", 0, 0),
	})
	require.NoError(t, err)
	first, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	second, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, second.ID))

	require.NoError(t, store.Clear(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{}, stats)
	has, err := store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	require.ErrorIs(t, store.Complete(ctx, first.ID), frontier.ErrNotFound)

	outcome, err := store.Insert(ctx, Entry(t, "https://example.com/1", 0, 0))
	require.NoError(t, err)
	assert.Equal(t, frontier.Inserted, outcome)
}

func testConcurrentClaims(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))

	const total = 120
	batch := make([]frontier.Entry, 0, total)
	for i := range total {
		batch = append(batch, Entry(t, fmt.Sprintf("https://example.com/c/%d", i), i%7, 0))
	}
	_, err := store.InsertBatch(ctx, batch)
	require.NoError(t, err)

	const workers = 8
	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, ok, err := store.ClaimOne(ctx)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed = append(claimed, entry.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, claimed, total)
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	for i := 1; i < len(claimed); i++ {
		require.NotEqual(t, claimed[i-1], claimed[i], "entry %d claimed twice", claimed[i])
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, frontier.Stats{InFlight: total}, stats)
}

// testDepthExample walks a seed page A whose links B and C are discovered
// after A is claimed. B and C share a depth, so insertion order decides.
func testDepthExample(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t, NewClock(start()))
	depth := policy.DepthPolicy{}

	a := Entry(t, "https://example.com/A", depth.Priority(policy.Candidate{Depth: 0}), 0)
	_, err := store.Insert(ctx, a)
	require.NoError(t, err)

	got, ok, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.URL, got.URL)

	_, err = store.InsertBatch(ctx, []frontier.Entry{
		Entry(t, "https://example.com/B", depth.Priority(policy.Candidate{Depth: 1}), 1),
		Entry(t, "https://example.com/C", depth.Priority(policy.Candidate{Depth: 1}), 1),
	})
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, got.ID))

	b, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	c, _, err := store.ClaimOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/B", b.URL)
	assert.Equal(t, "https://example.com/C", c.URL)
	require.NoError(t, store.Complete(ctx, b.ID))
	require.NoError(t, store.Complete(ctx, c.ID))

	has, err := store.HasPendingOrInFlight(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}
