package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/state"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// maxControlObjectSize bounds how much of a control object is read.
const maxControlObjectSize = 64 * 1024

// Options configures new buckets.
type Options struct {
	// Iterations recorded in new control objects; crypto.DefaultIterations when zero.
	Iterations int
}

// Service loads, creates, unlocks and rotates bucket encryption settings.
// Settings are cached in memory and, when a state store is given, on disk.
// The control object in the bucket stays authoritative.
type Service struct {
	state      state.Store
	iterations int
	logger     *events.Logger
	now        func() time.Time

	// Cache
	mu    sync.RWMutex
	cache map[string]*models.BucketSettings
}

// NewService creates a settings service. st may be nil to disable the
// persisted cache.
func NewService(st state.Store, opts Options, logger *events.Logger) *Service {
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}

	return &Service{
		state:      st,
		iterations: iterations,
		logger:     logger.WithField("service", "settings"),
		now:        time.Now,
		cache:      make(map[string]*models.BucketSettings),
	}
}

// Load returns the bucket's settings from the memory cache, the persisted
// cache, or the control object, in that order. A bucket without a control
// object yields models.ErrBucketNotEncrypted.
func (s *Service) Load(ctx context.Context, store storage.ObjectStore) (*models.BucketSettings, error) {
	bucket := store.Bucket()

	s.mu.RLock()
	cached, ok := s.cache[bucket]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	if s.state != nil {
		persisted, err := s.state.Load(bucket)
		switch {
		case err == nil:
			s.remember(bucket, persisted, false)
			return persisted.Clone(), nil
		case errors.Is(err, state.ErrStateNotFound):
		default:
			s.logger.WithError(err).WithField("bucket", bucket).Warn("Ignoring unreadable settings cache")
		}
	}

	return s.Refresh(ctx, store)
}

// Refresh re-reads the control object, bypassing every cache.
func (s *Service) Refresh(ctx context.Context, store storage.ObjectStore) (*models.BucketSettings, error) {
	settings, _, err := readControlObject(ctx, store)
	if err != nil {
		return nil, err
	}

	s.remember(store.Bucket(), settings, true)
	return settings.Clone(), nil
}

// Create initializes encryption for a bucket. The control object is
// write-once: if another client created it first, its settings are adopted
// and created is false.
func (s *Service) Create(ctx context.Context, store storage.ObjectStore, passphrase []byte) (*models.BucketSettings, bool, error) {
	bucket := store.Bucket()
	logger := s.logger.WithField("bucket", bucket)

	if len(passphrase) == 0 {
		return nil, false, errors.New("passphrase is empty")
	}

	master, err := crypto.GenerateKey(models.MasterKeySize)
	if err != nil {
		return nil, false, err
	}
	defer crypto.Wipe(master)

	settings, err := s.newSettings(master, passphrase)
	if err != nil {
		return nil, false, err
	}

	data, err := settings.Marshal()
	if err != nil {
		return nil, false, err
	}

	logger.WithField("iterations", settings.Iterations).Info("Creating bucket encryption settings")

	_, err = store.PutIfAbsent(ctx, models.ControlObjectName, data, nil)
	if errors.Is(err, storage.ErrObjectExists) {
		logger.WithError(models.ErrSettingsWriteConflict).Warn("Control object already exists, adopting it")

		winner, rerr := s.Refresh(ctx, store)
		if rerr != nil {
			return nil, false, fmt.Errorf("read existing settings: %w", rerr)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("write control object: %w", err)
	}

	s.remember(bucket, settings, true)
	return settings.Clone(), true, nil
}

// newSettings wraps master under a fresh salt for passphrase.
func (s *Service) newSettings(master, passphrase []byte) (*models.BucketSettings, error) {
	keySalt, err := crypto.GenerateKey(models.SaltSize)
	if err != nil {
		return nil, err
	}
	pathSalt, err := crypto.GenerateKey(models.SaltSize)
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapMasterKey(master, passphrase, keySalt, s.iterations)
	if err != nil {
		return nil, err
	}

	return &models.BucketSettings{
		Version:           models.SettingsVersion,
		KDF:               models.KDFPBKDF2SHA256,
		Iterations:        s.iterations,
		EncryptionKeySalt: keySalt,
		PathHashSalt:      pathSalt,
		WrappedMasterKey:  wrapped,
		KeyWrapMode:       models.KeyWrapAES256GCM,
		Generation:        1,
		CreatedAt:         s.now().UTC().Truncate(time.Second),
	}, nil
}

// Unlock unwraps the master key and derives the bucket's keyring. A wrong
// passphrase yields models.ErrWrongPassphrase.
func (s *Service) Unlock(settings *models.BucketSettings, passphrase []byte, opts crypto.KeyringOptions) (*crypto.Keyring, error) {
	master, err := unwrapMasterKey(settings, passphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(master)

	keyring, err := crypto.NewKeyring(master, settings.PathHashSalt, settings.Iterations, opts)
	if err != nil {
		return nil, fmt.Errorf("derive keyring: %w", err)
	}
	return keyring, nil
}

// Open loads and unlocks a bucket. If cached settings reject the passphrase
// the control object is re-read once, since the passphrase may have been
// rotated from another machine.
func (s *Service) Open(ctx context.Context, store storage.ObjectStore, passphrase []byte, opts crypto.KeyringOptions) (*crypto.Keyring, *models.BucketSettings, error) {
	settings, err := s.Load(ctx, store)
	if err != nil {
		return nil, nil, err
	}

	keyring, err := s.Unlock(settings, passphrase, opts)
	if errors.Is(err, models.ErrWrongPassphrase) {
		fresh, rerr := s.Refresh(ctx, store)
		if rerr != nil {
			return nil, nil, rerr
		}
		if fresh.SameGeneration(settings) {
			return nil, nil, err
		}

		s.logger.WithField("bucket", store.Bucket()).Info("Settings changed remotely, retrying unlock")
		settings = fresh
		keyring, err = s.Unlock(settings, passphrase, opts)
	}
	if err != nil {
		return nil, nil, err
	}

	return keyring, settings, nil
}

// Rotate changes the bucket passphrase. The master key is re-wrapped under a
// new salt; no object is re-encrypted. The write is conditional on the
// revision first read, so if another client rotates in between,
// models.ErrSettingsWriteConflict is returned and nothing is written.
func (s *Service) Rotate(ctx context.Context, store storage.ObjectStore, oldPassphrase, newPassphrase []byte) (*models.BucketSettings, error) {
	bucket := store.Bucket()
	logger := s.logger.WithField("bucket", bucket)

	if len(newPassphrase) == 0 {
		return nil, errors.New("new passphrase is empty")
	}

	current, oi, err := readControlObject(ctx, store)
	if err != nil {
		return nil, err
	}

	master, err := unwrapMasterKey(current, oldPassphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(master)

	keySalt, err := crypto.GenerateKey(models.SaltSize)
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapMasterKey(master, newPassphrase, keySalt, current.Iterations)
	if err != nil {
		return nil, err
	}

	rotatedAt := s.now().UTC().Truncate(time.Second)
	next := current.Clone()
	next.EncryptionKeySalt = keySalt
	next.WrappedMasterKey = wrapped
	next.Generation = current.Generation + 1
	next.RotatedAt = &rotatedAt

	data, err := next.Marshal()
	if err != nil {
		return nil, err
	}

	_, err = store.PutIfMatch(ctx, models.ControlObjectName, data, nil, oi.Revision)
	if errors.Is(err, storage.ErrObjectChanged) {
		fields := map[string]interface{}{"expected_generation": current.Generation}
		if latest, _, err := readControlObject(ctx, store); err == nil {
			fields["actual_generation"] = latest.Generation
			s.remember(bucket, latest, true)
		} else {
			_ = s.Forget(bucket)
		}
		logger.WithFields(fields).Warn("Control object changed during rotation")
		return nil, models.ErrSettingsWriteConflict
	}
	if err != nil {
		return nil, fmt.Errorf("write control object: %w", err)
	}

	logger.WithField("generation", next.Generation).Info("Rotated bucket passphrase")

	s.remember(bucket, next, true)
	return next.Clone(), nil
}

// Forget drops a bucket from both caches.
func (s *Service) Forget(bucket string) error {
	s.mu.Lock()
	delete(s.cache, bucket)
	s.mu.Unlock()

	if s.state != nil {
		return s.state.Reset(bucket)
	}
	return nil
}

// ClearCache empties the in-memory cache.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*models.BucketSettings)
}

// remember caches settings in memory and optionally persists them.
func (s *Service) remember(bucket string, settings *models.BucketSettings, persist bool) {
	s.mu.Lock()
	s.cache[bucket] = settings.Clone()
	s.mu.Unlock()

	if !persist || s.state == nil {
		return
	}

	unlock, err := s.state.Lock(bucket)
	if err != nil {
		s.logger.WithError(err).WithField("bucket", bucket).Warn("Could not lock settings cache")
		return
	}
	defer unlock()

	if err := s.state.Save(bucket, settings); err != nil {
		s.logger.WithError(err).WithField("bucket", bucket).Warn("Failed to persist settings cache")
	}
}

// readControlObject returns the parsed control object and the stored object's
// info, whose Revision guards a later rewrite.
func readControlObject(ctx context.Context, store storage.ObjectStore) (*models.BucketSettings, storage.ObjectInfo, error) {
	rc, oi, err := store.Get(ctx, models.ControlObjectName)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, oi, fmt.Errorf("%w: %s", models.ErrBucketNotEncrypted, store.Bucket())
	}
	if err != nil {
		return nil, oi, fmt.Errorf("read control object: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxControlObjectSize+1))
	if err != nil {
		return nil, oi, fmt.Errorf("read control object: %w", err)
	}
	if len(data) > maxControlObjectSize {
		return nil, oi, fmt.Errorf("%w: control object too large", models.ErrInvalidSettings)
	}

	settings, err := models.ParseBucketSettings(data)
	return settings, oi, err
}

func deriveKEK(passphrase, salt []byte, iterations int) ([]byte, error) {
	normalized := crypto.NormalizePassphrase(passphrase)
	defer crypto.Wipe(normalized)

	return crypto.DeriveKey(normalized, salt, iterations, crypto.KeySize)
}

func wrapMasterKey(master, passphrase, salt []byte, iterations int) ([]byte, error) {
	kek, err := deriveKEK(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(kek)

	return crypto.WrapKey(kek, master)
}

func unwrapMasterKey(settings *models.BucketSettings, passphrase []byte) ([]byte, error) {
	if settings.KeyWrapMode != models.KeyWrapAES256GCM {
		return nil, fmt.Errorf("%w: key wrap mode %q", models.ErrInvalidSettings, settings.KeyWrapMode)
	}

	kek, err := deriveKEK(passphrase, settings.EncryptionKeySalt, settings.Iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(kek)

	master, err := crypto.UnwrapKey(kek, settings.WrappedMasterKey)
	if errors.Is(err, crypto.ErrKeyUnwrap) {
		return nil, models.ErrWrongPassphrase
	}
	return master, err
}
