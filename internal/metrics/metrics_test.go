package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if frontierEntriesTotal == nil || frontierClaimsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestRecorderEntriesAndClaims(t *testing.T) {
	r := NewRecorder()
	inserted := testutil.ToFloat64(frontierEntriesTotal.WithLabelValues("inserted"))
	invalid := testutil.ToFloat64(frontierEntriesTotal.WithLabelValues("invalid"))
	empty := testutil.ToFloat64(frontierClaimsTotal.WithLabelValues("empty"))

	r.EntriesAdded(frontier.AddResult{
		Inserted: 3,
		Skipped:  1,
		Invalid:  []frontier.InvalidRecord{{Index: 4, Err: frontier.ErrInvalidEntry}},
	})
	r.Claimed(false)
	r.Claimed(false)

	if got := testutil.ToFloat64(frontierEntriesTotal.WithLabelValues("inserted")) - inserted; got != 3 {
		t.Errorf("inserted delta = %f, want 3", got)
	}
	if got := testutil.ToFloat64(frontierEntriesTotal.WithLabelValues("invalid")) - invalid; got != 1 {
		t.Errorf("invalid delta = %f, want 1", got)
	}
	if got := testutil.ToFloat64(frontierClaimsTotal.WithLabelValues("empty")) - empty; got != 2 {
		t.Errorf("empty claims delta = %f, want 2", got)
	}
}

func TestRecorderStateGauge(t *testing.T) {
	r := NewRecorder()
	r.StateCounts(frontier.Stats{Pending: 7, InFlight: 2, Done: 11})

	cases := map[frontier.State]float64{
		frontier.StatePending:  7,
		frontier.StateInFlight: 2,
		frontier.StateDone:     11,
	}
	for state, want := range cases {
		if got := testutil.ToFloat64(frontierEntries.WithLabelValues(string(state))); got != want {
			t.Errorf("frontier_entries{state=%q} = %f, want %f", state, got, want)
		}
	}
}

func TestRecorderOperationErrors(t *testing.T) {
	r := NewRecorder()
	unavailable := testutil.ToFloat64(frontierStoreErrorsTotal.WithLabelValues("claim", "unavailable"))
	other := testutil.ToFloat64(frontierStoreErrorsTotal.WithLabelValues("claim", "other"))

	r.Operation("claim", time.Millisecond, nil)
	r.Operation("claim", time.Millisecond, fmt.Errorf("claim entry: %w", frontier.ErrStoreUnavailable))
	r.Operation("claim", time.Millisecond, errors.New("syntax error"))
	r.Operation("claim", time.Millisecond, context.Canceled)

	if got := testutil.ToFloat64(frontierStoreErrorsTotal.WithLabelValues("claim", "unavailable")) - unavailable; got != 1 {
		t.Errorf("unavailable delta = %f, want 1", got)
	}
	if got := testutil.ToFloat64(frontierStoreErrorsTotal.WithLabelValues("claim", "other")) - other; got != 2 {
		t.Errorf("other delta = %f, want 2", got)
	}
	if n := testutil.CollectAndCount(frontierStoreOpSeconds); n < 1 {
		t.Errorf("expected operation latency series, got %d", n)
	}
}

func TestRecorderLifecycleCounters(t *testing.T) {
	r := NewRecorder()
	completions := testutil.ToFloat64(frontierCompletionsTotal)
	reclaimed := testutil.ToFloat64(frontierReclaimedTotal)
	purged := testutil.ToFloat64(frontierPurgedTotal)
	handled := testutil.ToFloat64(frontierHandledTotal.WithLabelValues("done"))

	r.Completed()
	r.Reclaimed(4)
	r.Purged(0)
	r.Handled("done", 30*time.Millisecond)

	if got := testutil.ToFloat64(frontierCompletionsTotal) - completions; got != 1 {
		t.Errorf("completions delta = %f, want 1", got)
	}
	if got := testutil.ToFloat64(frontierReclaimedTotal) - reclaimed; got != 4 {
		t.Errorf("reclaimed delta = %f, want 4", got)
	}
	if got := testutil.ToFloat64(frontierPurgedTotal) - purged; got != 0 {
		t.Errorf("purged delta = %f, want 0", got)
	}
	if got := testutil.ToFloat64(frontierHandledTotal.WithLabelValues("done")) - handled; got != 1 {
		t.Errorf("handled delta = %f, want 1", got)
	}
}

func TestRecorderIntakeMessage(t *testing.T) {
	r := NewRecorder()
	before := testutil.ToFloat64(frontierIntakeMessagesTotal.WithLabelValues("poison"))
	r.IntakeMessage("poison")
	if got := testutil.ToFloat64(frontierIntakeMessagesTotal.WithLabelValues("poison")) - before; got != 1 {
		t.Errorf("poison delta = %f, want 1", got)
	}
}
