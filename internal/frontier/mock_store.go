package frontier

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

// Insert is the mock implementation of Store.Insert.
func (m *MockStore) Insert(ctx context.Context, entry Entry) (InsertOutcome, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(InsertOutcome), args.Error(1)
}

// InsertBatch is the mock implementation of Store.InsertBatch.
func (m *MockStore) InsertBatch(ctx context.Context, entries []Entry) (BatchResult, error) {
	args := m.Called(ctx, entries)
	return args.Get(0).(BatchResult), args.Error(1)
}

// ClaimOne is the mock implementation of Store.ClaimOne.
func (m *MockStore) ClaimOne(ctx context.Context) (Entry, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(Entry), args.Bool(1), args.Error(2)
}

// Complete is the mock implementation of Store.Complete.
func (m *MockStore) Complete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// ReclaimStale is the mock implementation of Store.ReclaimStale.
func (m *MockStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	args := m.Called(ctx, maxAge)
	return args.Int(0), args.Error(1)
}

// HasPendingOrInFlight is the mock implementation of Store.HasPendingOrInFlight.
func (m *MockStore) HasPendingOrInFlight(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// CountPending is the mock implementation of Store.CountPending.
func (m *MockStore) CountPending(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// Stats is the mock implementation of Store.Stats.
func (m *MockStore) Stats(ctx context.Context) (Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(Stats), args.Error(1)
}

// PurgeDone is the mock implementation of Store.PurgeDone.
func (m *MockStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

// Clear is the mock implementation of Store.Clear.
func (m *MockStore) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close is the mock implementation of Store.Close.
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
