package testutil

import (
	"bytes"
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// MockObjectStore mocks storage.ObjectStore.
type MockObjectStore struct {
	mock.Mock
	BucketName string
}

var _ storage.ObjectStore = (*MockObjectStore)(nil)

// NewMockObjectStore creates a mock store for bucket.
func NewMockObjectStore(bucket string) *MockObjectStore {
	return &MockObjectStore{BucketName: bucket}
}

func (m *MockObjectStore) Bucket() string {
	return m.BucketName
}

func (m *MockObjectStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (storage.ObjectInfo, error) {
	// Drain so callers see a complete upload
	data, _ := io.ReadAll(body)
	args := m.Called(ctx, name, data, size, contentSHA1, info)
	return args.Get(0).(storage.ObjectInfo), args.Error(1)
}

func (m *MockObjectStore) PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (storage.ObjectInfo, error) {
	args := m.Called(ctx, name, data, info)
	return args.Get(0).(storage.ObjectInfo), args.Error(1)
}

func (m *MockObjectStore) PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (storage.ObjectInfo, error) {
	args := m.Called(ctx, name, data, info, revision)
	return args.Get(0).(storage.ObjectInfo), args.Error(1)
}

func (m *MockObjectStore) Get(ctx context.Context, name string) (io.ReadCloser, storage.ObjectInfo, error) {
	args := m.Called(ctx, name)
	var body io.ReadCloser
	if data, ok := args.Get(0).([]byte); ok {
		body = io.NopCloser(bytes.NewReader(data))
	}
	return body, args.Get(1).(storage.ObjectInfo), args.Error(2)
}

func (m *MockObjectStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	args := m.Called(ctx, prefix)
	objects, _ := args.Get(0).([]storage.ObjectInfo)
	return objects, args.Error(1)
}

func (m *MockObjectStore) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
