package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/developingchet/authguard/internal/storage"
)

// MockStore implements storage.CounterStore and storage.RuleStore on top of a
// storage.MemoryStore, adding error injection and call counting.
// All methods are safe for concurrent use.
type MockStore struct {
	inner *storage.MemoryStore

	mu sync.Mutex
	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Call counts per method
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		inner:  storage.NewMemoryStore(),
		errors: make(map[string]error),
		calls:  make(map[string]int),
		Size:   1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter records a call and pops the injected error, if any.
func (m *MockStore) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Counters ---------------------------------------------------------------

func (m *MockStore) FetchOrCreate(ctx context.Context, key storage.CounterKey, now time.Time, ttl time.Duration) (storage.CounterEntry, error) {
	if err := m.enter("FetchOrCreate"); err != nil {
		return storage.CounterEntry{}, err
	}
	return m.inner.FetchOrCreate(ctx, key, now, ttl)
}

func (m *MockStore) TryIncrement(ctx context.Context, key storage.CounterKey, delta, limit int64) (bool, int64, error) {
	if err := m.enter("TryIncrement"); err != nil {
		return false, 0, err
	}
	return m.inner.TryIncrement(ctx, key, delta, limit)
}

func (m *MockStore) Inspect(ctx context.Context, key storage.CounterKey, now time.Time) (storage.CounterEntry, bool, error) {
	if err := m.enter("Inspect"); err != nil {
		return storage.CounterEntry{}, false, err
	}
	return m.inner.Inspect(ctx, key, now)
}

func (m *MockStore) DeleteAll(ctx context.Context, counterType, counterID string) (int, error) {
	if err := m.enter("DeleteAll"); err != nil {
		return 0, err
	}
	return m.inner.DeleteAll(ctx, counterType, counterID)
}

func (m *MockStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := m.enter("SweepExpired"); err != nil {
		return 0, err
	}
	return m.inner.SweepExpired(ctx, now)
}

// --- Rules ------------------------------------------------------------------

func (m *MockStore) PutRule(rec storage.RuleRecord) error {
	if err := m.enter("PutRule"); err != nil {
		return err
	}
	return m.inner.PutRule(rec)
}

func (m *MockStore) DeleteRule(tier, id string) (bool, error) {
	if err := m.enter("DeleteRule"); err != nil {
		return false, err
	}
	return m.inner.DeleteRule(tier, id)
}

func (m *MockStore) ListRules(tier string) ([]storage.RuleRecord, error) {
	if err := m.enter("ListRules"); err != nil {
		return nil, err
	}
	return m.inner.ListRules(tier)
}

func (m *MockStore) PutHost(rec storage.HostRecord) error {
	if err := m.enter("PutHost"); err != nil {
		return err
	}
	return m.inner.PutHost(rec)
}

func (m *MockStore) DeleteHost(id string) (bool, error) {
	if err := m.enter("DeleteHost"); err != nil {
		return false, err
	}
	return m.inner.DeleteHost(id)
}

func (m *MockStore) ListHosts() ([]storage.HostRecord, error) {
	if err := m.enter("ListHosts"); err != nil {
		return nil, err
	}
	return m.inner.ListHosts()
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Size, nil
}

func (m *MockStore) Ping(_ context.Context) error {
	return m.enter("Ping")
}

func (m *MockStore) Close() error {
	return nil
}
