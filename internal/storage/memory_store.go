package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore keeps objects in memory. It backs the memory backend and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memObject
}

var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memObject),
	}
}

// Bucket implements ObjectStore.
func (m *MemoryStore) Bucket() string {
	return m.bucket
}

// Put implements ObjectStore.
func (m *MemoryStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	if name == "" {
		return ObjectInfo{}, fmt.Errorf("empty object name")
	}

	data, sum, err := readBody(body, size, contentSHA1)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(name, data, sum, info), nil
}

// PutIfAbsent implements ObjectStore.
func (m *MemoryStore) PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[name]; ok {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectExists)
	}

	return m.store(name, bytes.Clone(data), SHA1Hex(data), info), nil
}

// PutIfMatch implements ObjectStore.
func (m *MemoryStore) PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok || revision == "" || obj.info.Revision != revision {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectChanged)
	}

	return m.store(name, bytes.Clone(data), SHA1Hex(data), info), nil
}

func (m *MemoryStore) store(name string, data []byte, sum string, info map[string]string) ObjectInfo {
	id := uuid.NewString()
	oi := ObjectInfo{
		Name:       name,
		ID:         id,
		Revision:   id,
		Size:       int64(len(data)),
		SHA1:       sum,
		Info:       copyInfo(info),
		UploadedAt: time.Now().UTC(),
	}
	m.objects[name] = memObject{data: data, info: oi}
	return cloneInfo(oi)
}

// Get implements ObjectStore.
func (m *MemoryStore) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[name]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", name, ErrObjectNotFound)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), cloneInfo(obj.info), nil
}

// List implements ObjectStore.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ObjectInfo
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, cloneInfo(obj.info))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete implements ObjectStore.
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, name)
	return nil
}

// Helper methods for testing

// Exists reports whether name is stored.
func (m *MemoryStore) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[name]
	return ok
}

// Raw returns a copy of the stored bytes.
func (m *MemoryStore) Raw(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Tamper rewrites stored bytes in place without updating the recorded checksum.
func (m *MemoryStore) Tamper(name string, fn func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok {
		return false
	}
	obj.data = fn(obj.data)
	m.objects[name] = obj
	return true
}

// SetInfo replaces an object's metadata.
func (m *MemoryStore) SetInfo(name string, info map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok {
		return false
	}
	obj.info.Info = copyInfo(info)
	m.objects[name] = obj
	return true
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.objects)
}

// Clear removes all objects.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects = make(map[string]memObject)
}

func cloneInfo(oi ObjectInfo) ObjectInfo {
	oi.Info = copyInfo(oi.Info)
	return oi
}
