package frontier

import "time"

// Observer receives frontier outcomes, typically to feed metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	EntriesAdded(result AddResult)
	Claimed(found bool)
	Completed()
	Reclaimed(count int)
	Purged(count int)
	StateCounts(stats Stats)
	Operation(op string, duration time.Duration, err error)
}

// NopObserver discards every observation.
type NopObserver struct{}

// EntriesAdded implements Observer.
func (NopObserver) EntriesAdded(AddResult) {}

// Claimed implements Observer.
func (NopObserver) Claimed(bool) {}

// Completed implements Observer.
func (NopObserver) Completed() {}

// Reclaimed implements Observer.
func (NopObserver) Reclaimed(int) {}

// Purged implements Observer.
func (NopObserver) Purged(int) {}

// StateCounts implements Observer.
func (NopObserver) StateCounts(Stats) {}

// Operation implements Observer.
func (NopObserver) Operation(string, time.Duration, error) {}
