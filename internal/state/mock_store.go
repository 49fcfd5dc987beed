package state

import (
	"sort"
	"sync"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// MockStore provides a mock implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	states map[string]*models.BucketSettings
	saves  int
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		states: make(map[string]*models.BucketSettings),
	}
}

// Load loads settings for a bucket.
func (m *MockStore) Load(bucket string) (*models.BucketSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if settings, ok := m.states[bucket]; ok {
		// Return a copy to avoid race conditions
		return settings.Clone(), nil
	}

	return nil, ErrStateNotFound
}

// Save saves settings for a bucket.
func (m *MockStore) Save(bucket string, settings *models.BucketSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[bucket] = settings.Clone()
	m.saves++
	return nil
}

// Reset removes settings for a bucket.
func (m *MockStore) Reset(bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, bucket)
	return nil
}

// List returns all buckets with stored settings.
func (m *MockStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buckets []string
	for bucket := range m.states {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	return buckets, nil
}

// Lock acquires an exclusive lock for a bucket (no-op for mock).
func (m *MockStore) Lock(bucket string) (UnlockFunc, error) {
	return func() {}, nil
}

// Migrate transfers state between stores.
func (m *MockStore) Migrate(target Store) error {
	return migrate(m, target, events.Discard())
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// SaveCount returns how many times Save was called.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Clear removes all states.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*models.BucketSettings)
}
