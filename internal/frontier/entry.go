// Package frontier defines the URL frontier: the entry model, the durable
// store contract, and the stateless API crawl workers and discovery code use
// to add, claim, and complete work.
package frontier

import (
	"errors"
	"time"
)

// State is the lifecycle stage of an Entry.
type State string

const (
	// StatePending marks an entry waiting to be claimed.
	StatePending State = "PENDING"
	// StateInFlight marks an entry held by exactly one worker.
	StateInFlight State = "IN_FLIGHT"
	// StateDone marks a completed entry. It is terminal.
	StateDone State = "DONE"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateDone:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when an entry does not exist or is not in the
	// state an operation requires (for example completing a DONE entry).
	ErrNotFound = errors.New("frontier: entry not found")
	// ErrStoreUnavailable wraps transient store failures such as lost
	// connections or lock timeouts. Callers decide whether to retry.
	ErrStoreUnavailable = errors.New("frontier: store unavailable")
	// ErrInvalidEntry reports a record that cannot be admitted, typically a
	// missing or unparseable URL.
	ErrInvalidEntry = errors.New("frontier: invalid entry")
)

// LinkRecord is the raw discovery record handed to the frontier.
type LinkRecord struct {
	URL            string `json:"url"`
	SourceURL      string `json:"source_url,omitempty"`
	LinkText       string `json:"link_text,omitempty"`
	LinkAttributes string `json:"link_attributes,omitempty"`
	Depth          int    `json:"link_depth"`
	IsRedirect     bool   `json:"is_redirect,omitempty"`
}

// Entry is one discovered URL and its crawl bookkeeping.
type Entry struct {
	ID             int64      `json:"id"`
	DedupKey       string     `json:"dedup_key"`
	URL            string     `json:"url"`
	SourceURL      string     `json:"source_url,omitempty"`
	LinkText       string     `json:"link_text,omitempty"`
	LinkAttributes string     `json:"link_attributes,omitempty"`
	Depth          int        `json:"link_depth"`
	IsRedirect     bool       `json:"is_redirect"`
	Priority       int        `json:"priority"`
	State          State      `json:"state"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// SameResource reports whether two entries describe the same logical URL.
func (e Entry) SameResource(other Entry) bool {
	return e.DedupKey != "" && e.DedupKey == other.DedupKey
}

// Record returns the discovery record the entry was built from.
func (e Entry) Record() LinkRecord {
	return LinkRecord{
		URL:            e.URL,
		SourceURL:      e.SourceURL,
		LinkText:       e.LinkText,
		LinkAttributes: e.LinkAttributes,
		Depth:          e.Depth,
		IsRedirect:     e.IsRedirect,
	}
}

// InsertOutcome is the result of inserting a single entry.
type InsertOutcome int

const (
	// Inserted means a new PENDING entry was created.
	Inserted InsertOutcome = iota + 1
	// DuplicateSkipped means an entry with the same dedup key already existed.
	DuplicateSkipped
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateSkipped:
		return "duplicate"
	default:
		return "unknown"
	}
}

// BatchResult counts what happened to a batch of inserts.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Add accumulates another result into r.
func (r *BatchResult) Add(other BatchResult) {
	r.Inserted += other.Inserted
	r.Skipped += other.Skipped
}

// Stats is a snapshot of entry counts per state.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
}

// HasWork mirrors hasPendingOrInFlight for an already fetched snapshot.
func (s Stats) HasWork() bool {
	return s.Pending > 0 || s.InFlight > 0
}

// Clock supplies timestamps to stores so reclaim decisions are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
