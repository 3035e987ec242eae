// Package metrics exposes Prometheus collectors for the frontier service.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

var (
	frontierEntriesTotal        *prometheus.CounterVec
	frontierClaimsTotal         *prometheus.CounterVec
	frontierCompletionsTotal    prometheus.Counter
	frontierReclaimedTotal      prometheus.Counter
	frontierPurgedTotal         prometheus.Counter
	frontierEntries             *prometheus.GaugeVec
	frontierStoreErrorsTotal    *prometheus.CounterVec
	frontierStoreOpSeconds      *prometheus.HistogramVec
	frontierHandledTotal        *prometheus.CounterVec
	frontierHandleSeconds       prometheus.Histogram
	frontierIntakeMessagesTotal *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frontierEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_entries_total",
				Help: "Records offered to the frontier, labeled by result (inserted, skipped, invalid).",
			},
			[]string{"result"},
		)

		frontierClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_claims_total",
				Help: "Claim attempts, labeled by result (claimed, empty).",
			},
			[]string{"result"},
		)

		frontierCompletionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_completions_total",
				Help: "Entries moved from IN_FLIGHT to DONE.",
			},
		)

		frontierReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_reclaimed_total",
				Help: "Stale in-flight entries returned to PENDING.",
			},
		)

		frontierPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_purged_total",
				Help: "Completed entries deleted by retention.",
			},
		)

		frontierEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_entries",
				Help: "Entries currently stored, labeled by state.",
			},
			[]string{"state"},
		)

		frontierStoreErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_store_errors_total",
				Help: "Store operation failures, labeled by operation and kind (unavailable, other).",
			},
			[]string{"op", "kind"},
		)

		frontierStoreOpSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_store_operation_duration_seconds",
				Help:    "Histogram of store operation latencies, labeled by operation.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"op"},
		)

		frontierHandledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_handled_total",
				Help: "Entries processed by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		frontierHandleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_handle_duration_seconds",
				Help:    "Histogram of worker handler latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		frontierIntakeMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_intake_messages_total",
				Help: "Kafka intake messages, labeled by result (accepted, poison).",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Recorder feeds frontier, worker and intake outcomes into the collectors.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() *Recorder {
	Init()
	return &Recorder{}
}

var _ frontier.Observer = (*Recorder)(nil)

// EntriesAdded implements frontier.Observer.
func (*Recorder) EntriesAdded(res frontier.AddResult) {
	frontierEntriesTotal.WithLabelValues("inserted").Add(float64(res.Inserted))
	frontierEntriesTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	frontierEntriesTotal.WithLabelValues("invalid").Add(float64(len(res.Invalid)))
}

// Claimed implements frontier.Observer.
func (*Recorder) Claimed(found bool) {
	if found {
		frontierClaimsTotal.WithLabelValues("claimed").Inc()
		return
	}
	frontierClaimsTotal.WithLabelValues("empty").Inc()
}

// Completed implements frontier.Observer.
func (*Recorder) Completed() {
	frontierCompletionsTotal.Inc()
}

// Reclaimed implements frontier.Observer.
func (*Recorder) Reclaimed(n int) {
	frontierReclaimedTotal.Add(float64(n))
}

// Purged implements frontier.Observer.
func (*Recorder) Purged(n int) {
	frontierPurgedTotal.Add(float64(n))
}

// StateCounts implements frontier.Observer.
func (*Recorder) StateCounts(stats frontier.Stats) {
	frontierEntries.WithLabelValues(string(frontier.StatePending)).Set(float64(stats.Pending))
	frontierEntries.WithLabelValues(string(frontier.StateInFlight)).Set(float64(stats.InFlight))
	frontierEntries.WithLabelValues(string(frontier.StateDone)).Set(float64(stats.Done))
}

// Operation implements frontier.Observer.
func (*Recorder) Operation(op string, d time.Duration, err error) {
	frontierStoreOpSeconds.WithLabelValues(op).Observe(d.Seconds())
	if err == nil {
		return
	}
	kind := "other"
	if errors.Is(err, frontier.ErrStoreUnavailable) {
		kind = "unavailable"
	}
	frontierStoreErrorsTotal.WithLabelValues(op, kind).Inc()
}

// Handled implements worker.Observer.
func (*Recorder) Handled(outcome string, d time.Duration) {
	frontierHandledTotal.WithLabelValues(outcome).Inc()
	frontierHandleSeconds.Observe(d.Seconds())
}

// IntakeMessage implements intake.Observer.
func (*Recorder) IntakeMessage(result string) {
	frontierIntakeMessagesTotal.WithLabelValues(result).Inc()
}
