package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheMichaelB/bucketcrypt/internal/config"
	"github.com/TheMichaelB/bucketcrypt/internal/creds"
	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/services/settings"
	"github.com/TheMichaelB/bucketcrypt/internal/services/transfer"
	"github.com/TheMichaelB/bucketcrypt/internal/state"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// Client provides the high-level API for bucketcrypt operations.
type Client struct {
	Settings *settings.Service
	State    StateManager

	config     *config.Config
	logger     *events.Logger
	stateStore state.Store

	mu     sync.Mutex
	stores map[string]storage.ObjectStore
}

// StateManager provides operations on the local settings cache.
type StateManager interface {
	ListStates() ([]*models.BucketSettings, []string, error)
	Reset(bucket string) error
}

// New creates a client from cfg.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	stateStore, err := newStateStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	settingsService := settings.NewService(stateStore, settings.Options{
		Iterations: cfg.Crypto.Iterations,
	}, logger)

	return &Client{
		Settings:   settingsService,
		State:      &stateManager{store: stateStore},
		config:     cfg,
		logger:     logger,
		stateStore: stateStore,
		stores:     make(map[string]storage.ObjectStore),
	}, nil
}

func newStateStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.State.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		dir := expandHome(cfg.State.Dir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return state.NewSQLiteStore(filepath.Join(dir, "settings.db"), logger)
	default:
		return state.NewJSONStore(expandHome(cfg.State.Dir), logger)
	}
}

// Store returns the object store for bucket, creating it on first use. An
// empty bucket falls back to the one tagged on ctx, then storage.bucket.
func (c *Client) Store(ctx context.Context, bucket string) (storage.ObjectStore, error) {
	if bucket == "" {
		bucket = events.GetBucket(ctx)
	}
	if bucket == "" {
		bucket = c.config.Storage.Bucket
	}
	if bucket == "" {
		return nil, errors.New("no bucket given and storage.bucket is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if store, ok := c.stores[bucket]; ok {
		return store, nil
	}

	store, err := c.newStore(ctx, bucket)
	if err != nil {
		return nil, err
	}
	c.stores[bucket] = store
	return store, nil
}

func (c *Client) newStore(ctx context.Context, bucket string) (storage.ObjectStore, error) {
	sc := c.config.Storage

	switch sc.Backend {
	case "memory":
		return storage.NewMemoryStore(bucket), nil

	case "s3":
		s3Store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       bucket,
			Region:       sc.S3.Region,
			Endpoint:     sc.S3.Endpoint,
			UsePathStyle: sc.S3.UsePathStyle,
			Prefix:       sc.S3.Prefix,
		}, c.logger)
		if err != nil {
			return nil, err
		}
		return storage.NewRetryStore(s3Store, sc.MaxRetries, sc.RetryDelay, c.logger), nil

	default:
		local, err := storage.NewLocalStore(expandHome(sc.LocalRoot), bucket, c.logger)
		if err != nil {
			return nil, err
		}
		local.SetMaxFileSize(crypto.EncryptedSize(sc.MaxFileSize))
		return local, nil
	}
}

// Transfer returns a transfer service for bucket.
func (c *Client) Transfer(ctx context.Context, bucket string) (*transfer.Service, error) {
	store, err := c.Store(ctx, bucket)
	if err != nil {
		return nil, err
	}

	return transfer.NewService(store, &transfer.Config{
		MaxConcurrent:  c.config.Transfer.MaxConcurrent,
		SpoolInMemory:  c.config.Transfer.SpoolInMemory,
		TempDir:        c.tempDir(),
		VerifyChecksum: c.config.Transfer.VerifyChecksum,
		MaxFileSize:    c.config.Storage.MaxFileSize,
	}, c.logger), nil
}

func (c *Client) tempDir() string {
	dir := expandHome(c.config.Storage.TempDir)
	if dir == "" {
		return ""
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		c.logger.WithError(err).Warn("Failed to create temp directory, using system default")
		return ""
	}
	return dir
}

// KeyringOptions returns the keyring options the configuration asks for.
func (c *Client) KeyringOptions() (crypto.KeyringOptions, error) {
	mode, err := ContentMode(c.config.Crypto.ContentMode)
	if err != nil {
		return crypto.KeyringOptions{}, err
	}
	return crypto.KeyringOptions{
		ContentMode:  mode,
		MaxPathBytes: c.config.Storage.MaxPathBytes,
	}, nil
}

// ContentMode maps a configured content mode name to its cipher mode.
func ContentMode(name string) (crypto.CipherMode, error) {
	if name == "" {
		return crypto.DefaultContentMode, nil
	}
	return crypto.ParseContentMode(name)
}

// Session is an unlocked bucket.
type Session struct {
	Bucket   string
	Keyring  *crypto.Keyring
	Settings *models.BucketSettings
	Transfer *transfer.Service
}

// Close wipes the session's key material.
func (s *Session) Close() {
	if s.Keyring != nil {
		s.Keyring.Wipe()
	}
}

// Open unlocks bucket with passphrase.
func (c *Client) Open(ctx context.Context, bucket string, passphrase []byte) (*Session, error) {
	store, err := c.Store(ctx, bucket)
	if err != nil {
		return nil, err
	}

	opts, err := c.KeyringOptions()
	if err != nil {
		return nil, err
	}

	keyring, bs, err := c.Settings.Open(ctx, store, passphrase, opts)
	if err != nil {
		return nil, err
	}

	svc, err := c.Transfer(ctx, store.Bucket())
	if err != nil {
		keyring.Wipe()
		return nil, err
	}

	return &Session{
		Bucket:   store.Bucket(),
		Keyring:  keyring,
		Settings: bs,
		Transfer: svc,
	}, nil
}

// InitBucket enables encryption on bucket. created is false when the bucket
// already had settings, in which case they are returned unchanged.
func (c *Client) InitBucket(ctx context.Context, bucket string, passphrase []byte) (*models.BucketSettings, bool, error) {
	store, err := c.Store(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	return c.Settings.Create(ctx, store, passphrase)
}

// BucketInfo returns the bucket's current settings from the control object.
func (c *Client) BucketInfo(ctx context.Context, bucket string) (*models.BucketSettings, error) {
	store, err := c.Store(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return c.Settings.Refresh(ctx, store)
}

// RotatePassphrase re-wraps the bucket master key under a new passphrase.
func (c *Client) RotatePassphrase(ctx context.Context, bucket string, oldPassphrase, newPassphrase []byte) (*models.BucketSettings, error) {
	store, err := c.Store(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return c.Settings.Rotate(ctx, store, oldPassphrase, newPassphrase)
}

// Passphrases builds the passphrase lookup chain: flag, environment,
// credentials file, secret and finally the terminal when prompt is set.
func (c *Client) Passphrases(ctx context.Context, flag string, prompt *creds.Prompt) *creds.Resolver {
	ac := c.config.Auth
	sources := []creds.Source{
		creds.Static(flag),
		creds.Env(ac.PassphraseEnv),
		creds.File(expandHome(ac.CredentialsFile)),
	}

	if ac.SecretID != "" {
		client, err := creds.NewSecretsClient(ctx, c.config.Storage.S3.Region)
		if err != nil {
			c.logger.WithError(err).Warn("Secrets Manager unavailable")
		} else {
			sources = append(sources, &creds.Secret{Client: client, SecretID: ac.SecretID})
		}
	}

	if prompt != nil {
		sources = append(sources, prompt)
	}
	return creds.NewResolver(c.logger, sources...)
}

// SavePassphrase records the passphrase for bucket in the credentials file.
func (c *Client) SavePassphrase(bucket string, passphrase []byte) error {
	path := expandHome(c.config.Auth.CredentialsFile)

	cr, err := creds.LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cr = &creds.Credentials{}
	} else if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	if err := cr.SetPassphrase(bucket, string(passphrase)); err != nil {
		return err
	}
	return cr.SaveToFile(path)
}

// Close drops in-memory settings and releases the settings cache.
func (c *Client) Close() error {
	c.Settings.ClearCache()
	if c.stateStore != nil {
		return c.stateStore.Close()
	}
	return nil
}

// stateManager implements StateManager.
type stateManager struct {
	store state.Store
}

func (sm *stateManager) ListStates() ([]*models.BucketSettings, []string, error) {
	if sm.store == nil {
		return nil, nil, nil
	}

	buckets, err := sm.store.List()
	if err != nil {
		return nil, nil, err
	}

	var (
		states []*models.BucketSettings
		names  []string
	)
	for _, bucket := range buckets {
		s, err := sm.store.Load(bucket)
		if err != nil {
			continue // Skip entries that can't be loaded
		}
		states = append(states, s)
		names = append(names, bucket)
	}
	return states, names, nil
}

func (sm *stateManager) Reset(bucket string) error {
	if sm.store == nil {
		return nil
	}
	return sm.store.Reset(bucket)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
