package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// JSONStore implements file-based state storage.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	// Locking
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Load reads state from JSON file.
func (s *JSONStore) Load(bucket string) (*models.BucketSettings, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(bucket)

	s.logger.WithFields(map[string]interface{}{
		"bucket": bucket,
		"path":   path,
	}).Debug("Loading state")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	settings, err := s.decode(data)
	if err != nil {
		s.logger.WithError(err).WithField("bucket", bucket).Warn("State file failed verification")

		// Try backup
		if settings, berr := s.loadBackup(bucket); berr == nil {
			s.logger.Warn("Loaded state from backup due to corruption")
			return settings, nil
		}
		return nil, ErrStateCorrupt
	}

	return settings, nil
}

func (s *JSONStore) decode(data []byte) (*models.BucketSettings, error) {
	var wrapper CachedSettings
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.BucketSettings == nil {
		return nil, fmt.Errorf("missing settings")
	}

	// Verify checksum if present
	if wrapper.Checksum != "" {
		calculated, err := checksum(wrapper)
		if err != nil {
			return nil, err
		}
		if calculated != wrapper.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", wrapper.Checksum, calculated)
		}
	}

	// Check schema version
	if wrapper.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", wrapper.SchemaVersion).Warn("State schema version mismatch")
	}

	if err := wrapper.BucketSettings.Validate(); err != nil {
		return nil, err
	}
	return wrapper.BucketSettings, nil
}

// checksum hashes the wrapper with its checksum field cleared.
func checksum(wrapper CachedSettings) (string, error) {
	wrapper.Checksum = ""
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("marshal state for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Save writes state to JSON file.
func (s *JSONStore) Save(bucket string, settings *models.BucketSettings) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(bucket)

	s.logger.WithFields(map[string]interface{}{
		"bucket":     bucket,
		"generation": settings.Generation,
	}).Debug("Saving state")

	// Create wrapper with metadata
	wrapper := CachedSettings{
		BucketSettings: settings,
		Bucket:         bucket,
		SchemaVersion:  CurrentSchemaVersion,
		CachedAt:       time.Now().UTC(),
	}

	sum, err := checksum(wrapper)
	if err != nil {
		return err
	}
	wrapper.Checksum = sum

	// Marshal final version with checksum
	jsonData, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state with checksum: %w", err)
	}

	// Create backup of existing file
	if _, err := os.Stat(path); err == nil {
		if err := s.copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	// Write atomically
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Sync to disk
	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	// Rename atomically
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Reset removes state for a bucket.
func (s *JSONStore) Reset(bucket string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("bucket", bucket).Info("Resetting state")

	path := s.statePath(bucket)
	_ = os.Remove(path)
	_ = os.Remove(path + ".backup")

	return nil
}

// List returns all buckets with state.
func (s *JSONStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var buckets []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			buckets = append(buckets, strings.TrimSuffix(name, ".json"))
		}
	}

	sort.Strings(buckets)
	return buckets, nil
}

// Lock acquires a lock for a bucket.
func (s *JSONStore) Lock(bucket string) (UnlockFunc, error) {
	return acquire(&s.mu, s.locks, bucket)
}

// Migrate transfers all states to another store.
func (s *JSONStore) Migrate(target Store) error {
	return migrate(s, target, s.logger)
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// Helper methods

func (s *JSONStore) statePath(bucket string) string {
	return filepath.Join(s.baseDir, bucket+".json")
}

func (s *JSONStore) loadBackup(bucket string) (*models.BucketSettings, error) {
	data, err := os.ReadFile(s.statePath(bucket) + ".backup")
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

func (s *JSONStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// acquire takes the named lock, giving up after lockTimeout.
func acquire(mu *sync.RWMutex, locks map[string]*sync.Mutex, bucket string) (UnlockFunc, error) {
	mu.Lock()
	lock, exists := locks[bucket]
	if !exists {
		lock = &sync.Mutex{}
		locks[bucket] = lock
	}
	mu.Unlock()

	// Try to acquire lock with timeout
	done := make(chan struct{})
	go func() {
		lock.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { lock.Unlock() }, nil
	case <-time.After(lockTimeout):
		// Release the lock once the waiter gets it so it is not leaked.
		go func() {
			<-done
			lock.Unlock()
		}()
		return nil, ErrStateLocked
	}
}
