package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Object storage backend
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Key derivation and cipher selection for new buckets and uploads
	Crypto CryptoConfig `json:"crypto" mapstructure:"crypto"`

	// Local cache of bucket encryption settings
	State StateConfig `json:"state" mapstructure:"state"`

	// Upload/download behavior
	Transfer TransferConfig `json:"transfer" mapstructure:"transfer"`

	// Passphrase sources
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Backend      string   `json:"backend" mapstructure:"backend"`               // local, s3, memory
	Bucket       string   `json:"bucket" mapstructure:"bucket"`                 // Default bucket name
	LocalRoot    string   `json:"local_root" mapstructure:"local_root"`         // Root directory for the local backend
	DataDir      string   `json:"data_dir" mapstructure:"data_dir"`             // Base directory for client data
	TempDir      string   `json:"temp_dir" mapstructure:"temp_dir"`             // Download spool files
	MaxFileSize  int64    `json:"max_file_size" mapstructure:"max_file_size"`   // Max plaintext size in bytes
	MaxPathBytes int      `json:"max_path_bytes" mapstructure:"max_path_bytes"` // Store limit on object name length
	S3           S3Config `json:"s3" mapstructure:"s3"`

	// Retries for transient store failures
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"` // Doubles after each attempt
}

// S3Config for S3 and S3-compatible services.
type S3Config struct {
	Region       string `json:"region" mapstructure:"region"`
	Endpoint     string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" mapstructure:"use_path_style"`
	Prefix       string `json:"prefix,omitempty" mapstructure:"prefix"`
}

// CryptoConfig for bucket creation and uploads.
type CryptoConfig struct {
	Iterations  int    `json:"iterations" mapstructure:"iterations"`     // PBKDF2 rounds for new buckets
	ContentMode string `json:"content_mode" mapstructure:"content_mode"` // aes128gcm, chacha20poly1305
}

// StateConfig for the settings cache.
type StateConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // json, sqlite, none
	Dir     string `json:"dir" mapstructure:"dir"`
}

// TransferConfig for the upload/download pipeline.
type TransferConfig struct {
	MaxConcurrent  int   `json:"max_concurrent" mapstructure:"max_concurrent"`   // Parallel uploads in a batch
	VerifyChecksum bool  `json:"verify_checksum" mapstructure:"verify_checksum"` // Check plaintext SHA1 after download
	SpoolInMemory  int64 `json:"spool_in_memory" mapstructure:"spool_in_memory"` // Downloads up to this size stay in memory
}

// AuthConfig for passphrase lookup.
type AuthConfig struct {
	// Credentials file with per-bucket passphrases
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"`

	// AWS Secrets Manager secret holding the same document
	SecretID string `json:"secret_id,omitempty" mapstructure:"secret_id"`

	// Environment variable consulted before the credential sources
	PassphraseEnv string `json:"passphrase_env" mapstructure:"passphrase_env"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level     string `json:"level" mapstructure:"level"`         // debug, info, warn, error
	Format    string `json:"format" mapstructure:"format"`       // text, json
	File      string `json:"file" mapstructure:"file"`           // Log file path (empty = stderr)
	Color     bool   `json:"color" mapstructure:"color"`         // Enable colored output
	Timestamp bool   `json:"timestamp" mapstructure:"timestamp"` // Include timestamps
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".bucketcrypt"

	return &Config{
		Storage: StorageConfig{
			Backend:      "local",
			LocalRoot:    filepath.Join(dataDir, "buckets"),
			DataDir:      dataDir,
			TempDir:      filepath.Join(dataDir, "temp"),
			MaxFileSize:  5 * 1024 * 1024 * 1024, // 5GB
			MaxPathBytes: 1000,
			S3: S3Config{
				Region: "us-east-1",
			},
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
		},
		Crypto: CryptoConfig{
			Iterations:  500000,
			ContentMode: "aes128gcm",
		},
		State: StateConfig{
			Backend: "json",
			Dir:     filepath.Join(dataDir, "state"),
		},
		Transfer: TransferConfig{
			MaxConcurrent:  4,
			VerifyChecksum: true,
			SpoolInMemory:  8 * 1024 * 1024,
		},
		Auth: AuthConfig{
			CredentialsFile: filepath.Join(dataDir, "credentials.json"),
			PassphraseEnv:   "BUCKETCRYPT_PASSPHRASE",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Color:     true,
			Timestamp: true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"local": true, "s3": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Backend == "local" && c.Storage.LocalRoot == "" {
		return errors.New("storage.local_root is required for the local backend")
	}

	if c.Storage.MaxFileSize <= 0 {
		return errors.New("storage.max_file_size must be positive")
	}

	if c.Storage.MaxPathBytes < 25 {
		return errors.New("storage.max_path_bytes must allow at least one path segment")
	}

	if c.Storage.MaxRetries < 0 {
		return errors.New("storage.max_retries must not be negative")
	}

	if c.Crypto.Iterations < 1 {
		return errors.New("crypto.iterations must be positive")
	}

	validModes := map[string]bool{"aes128gcm": true, "chacha20poly1305": true}
	if !validModes[c.Crypto.ContentMode] {
		return fmt.Errorf("invalid content mode: %s", c.Crypto.ContentMode)
	}

	validStates := map[string]bool{"json": true, "sqlite": true, "none": true}
	if !validStates[c.State.Backend] {
		return fmt.Errorf("invalid state backend: %s", c.State.Backend)
	}

	if c.Transfer.MaxConcurrent <= 0 {
		return errors.New("transfer.max_concurrent must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.TempDir,
	}

	if c.Storage.Backend == "local" {
		dirs = append(dirs, c.Storage.LocalRoot)
	}

	if c.State.Backend != "none" {
		dirs = append(dirs, c.State.Dir)
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
