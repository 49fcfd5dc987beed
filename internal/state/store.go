package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// Store caches bucket encryption settings on the local machine so a bucket
// can be unlocked without re-reading its control object every run. The
// control object stays authoritative.
type Store interface {
	// Load retrieves the cached settings for a bucket.
	Load(bucket string) (*models.BucketSettings, error)

	// Save persists the settings for a bucket.
	Save(bucket string, settings *models.BucketSettings) error

	// Reset removes the cached settings for a bucket.
	Reset(bucket string) error

	// List returns all cached bucket names.
	List() ([]string, error)

	// Lock acquires an exclusive lock for a bucket.
	Lock(bucket string) (UnlockFunc, error)

	// Migrate copies every cached entry into target.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a bucket lock.
type UnlockFunc func()

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateLocked   = errors.New("state is locked")
	ErrStateCorrupt  = errors.New("state file is corrupt")
)

// CachedSettings wraps the settings document with store metadata.
type CachedSettings struct {
	*models.BucketSettings

	// Store metadata
	Bucket        string    `json:"bucket"`
	SchemaVersion int       `json:"schema_version"`
	CachedAt      time.Time `json:"cached_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// lockTimeout bounds how long Lock waits.
const lockTimeout = 5 * time.Second

func validateBucket(bucket string) error {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, "/\\\x00") {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}

// migrate copies every entry of src into target.
func migrate(src, target Store, logger *events.Logger) error {
	buckets, err := src.List()
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	logger.WithField("count", len(buckets)).Info("Migrating states")

	for _, bucket := range buckets {
		settings, err := src.Load(bucket)
		if err != nil {
			logger.WithError(err).WithField("bucket", bucket).Error("Failed to load state")
			continue
		}

		if err := target.Save(bucket, settings); err != nil {
			return fmt.Errorf("save bucket %s: %w", bucket, err)
		}

		logger.WithField("bucket", bucket).Debug("Migrated state")
	}

	return nil
}
