package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	// Locking
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  make(map[string]*sync.Mutex),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS bucket_settings (
        bucket TEXT PRIMARY KEY,
        version INTEGER NOT NULL,
        kdf TEXT NOT NULL,
        iterations INTEGER NOT NULL,
        encryption_key_salt BLOB NOT NULL,
        path_hash_salt BLOB NOT NULL,
        wrapped_master_key BLOB NOT NULL,
        key_wrap_mode TEXT NOT NULL,
        generation INTEGER NOT NULL,
        created_at TIMESTAMP NOT NULL,
        rotated_at TIMESTAMP,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves state from database.
func (s *SQLiteStore) Load(bucket string) (*models.BucketSettings, error) {
	s.logger.WithField("bucket", bucket).Debug("Loading state from SQLite")

	var settings models.BucketSettings
	var rotatedAt sql.NullTime

	err := s.db.QueryRow(`
        SELECT version, kdf, iterations, encryption_key_salt, path_hash_salt,
               wrapped_master_key, key_wrap_mode, generation, created_at, rotated_at
        FROM bucket_settings
        WHERE bucket = ?
    `, bucket).Scan(
		&settings.Version,
		&settings.KDF,
		&settings.Iterations,
		&settings.EncryptionKeySalt,
		&settings.PathHashSalt,
		&settings.WrappedMasterKey,
		&settings.KeyWrapMode,
		&settings.Generation,
		&settings.CreatedAt,
		&rotatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	if rotatedAt.Valid {
		t := rotatedAt.Time
		settings.RotatedAt = &t
	}

	if err := settings.Validate(); err != nil {
		s.logger.WithError(err).WithField("bucket", bucket).Warn("Cached settings failed validation")
		return nil, ErrStateCorrupt
	}

	return &settings, nil
}

// Save persists state to database.
func (s *SQLiteStore) Save(bucket string, settings *models.BucketSettings) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"bucket":     bucket,
		"generation": settings.Generation,
	}).Debug("Saving state to SQLite")

	var rotatedAt sql.NullTime
	if settings.RotatedAt != nil {
		rotatedAt = sql.NullTime{Time: *settings.RotatedAt, Valid: true}
	}

	_, err := s.db.Exec(`
        INSERT INTO bucket_settings (
            bucket, version, kdf, iterations, encryption_key_salt, path_hash_salt,
            wrapped_master_key, key_wrap_mode, generation, created_at, rotated_at, updated_at
        )
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(bucket) DO UPDATE SET
            version = excluded.version,
            kdf = excluded.kdf,
            iterations = excluded.iterations,
            encryption_key_salt = excluded.encryption_key_salt,
            path_hash_salt = excluded.path_hash_salt,
            wrapped_master_key = excluded.wrapped_master_key,
            key_wrap_mode = excluded.key_wrap_mode,
            generation = excluded.generation,
            created_at = excluded.created_at,
            rotated_at = excluded.rotated_at,
            updated_at = CURRENT_TIMESTAMP
    `,
		bucket,
		settings.Version,
		settings.KDF,
		settings.Iterations,
		settings.EncryptionKeySalt,
		settings.PathHashSalt,
		settings.WrappedMasterKey,
		settings.KeyWrapMode,
		settings.Generation,
		settings.CreatedAt,
		rotatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}

	return nil
}

// Reset removes state for a bucket.
func (s *SQLiteStore) Reset(bucket string) error {
	s.logger.WithField("bucket", bucket).Info("Resetting state in SQLite")

	_, err := s.db.Exec("DELETE FROM bucket_settings WHERE bucket = ?", bucket)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}

	return nil
}

// List returns all buckets.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT bucket FROM bucket_settings ORDER BY bucket")
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, name)
	}

	return buckets, rows.Err()
}

// Lock acquires a lock for a bucket.
func (s *SQLiteStore) Lock(bucket string) (UnlockFunc, error) {
	return acquire(&s.mu, s.locks, bucket)
}

// Migrate transfers all states to another store.
func (s *SQLiteStore) Migrate(target Store) error {
	return migrate(s, target, s.logger)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
