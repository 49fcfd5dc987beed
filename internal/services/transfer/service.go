package transfer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// Config contains transfer configuration.
type Config struct {
	MaxConcurrent  int   // Parallel uploads in a batch
	SpoolInMemory  int64 // Spools up to this size stay in memory
	TempDir        string
	VerifyChecksum bool  // Compare the plaintext SHA1 after download
	MaxFileSize    int64 // Largest plaintext accepted for upload; 0 means no limit
}

// DefaultConfig returns the transfer defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:  4,
		SpoolInMemory:  8 * 1024 * 1024,
		VerifyChecksum: true,
	}
}

// Service moves plaintext files in and out of one encrypted bucket.
// Key material is passed per call so one service can serve any unlocked keyring.
type Service struct {
	store  storage.ObjectStore
	logger *events.Logger

	maxConcurrent  int
	spoolInMemory  int64
	tempDir        string
	verifyChecksum bool
	maxFileSize    int64
}

// NewService creates a transfer service over store.
func NewService(store storage.ObjectStore, config *Config, logger *events.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Service{
		store: store,
		logger: logger.WithFields(map[string]interface{}{
			"service": "transfer",
			"bucket":  store.Bucket(),
		}),
		maxConcurrent:  maxConcurrent,
		spoolInMemory:  config.SpoolInMemory,
		tempDir:        config.TempDir,
		verifyChecksum: config.VerifyChecksum,
		maxFileSize:    config.MaxFileSize,
	}
}

// Bucket returns the bucket this service writes to.
func (s *Service) Bucket() string {
	return s.store.Bucket()
}

// log adds the request ID carried by ctx, if any.
func (s *Service) log(ctx context.Context) *events.Logger {
	if id := events.GetRequestID(ctx); id != "" {
		return s.logger.WithField("request_id", id)
	}
	return s.logger
}

func (s *Service) fail(op, code, plainPath string, err error) error {
	return &models.TransferError{
		Code:   code,
		Op:     op,
		Bucket: s.store.Bucket(),
		Path:   plainPath,
		Err:    err,
	}
}

// errorCode classifies err for TransferError.
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrIntegrityCheckFail):
		return models.ErrCodeIntegrity
	case errors.Is(err, models.ErrNotEncryptedObject):
		return models.ErrCodeNotEncrypted
	case crypto.IsAuthenticationError(err),
		crypto.IsContainerFormatError(err),
		errors.Is(err, crypto.ErrUnsupportedMode),
		errors.Is(err, crypto.ErrDecryptionFailed):
		return models.ErrCodeDecryption
	default:
		return models.ErrCodeStorage
	}
}

// userInfo returns the caller-visible part of an object's metadata.
func userInfo(info map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range info {
		if !models.ReservedInfoKeys[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// fileVersion builds the plaintext view of a stored object.
func fileVersion(plainPath string, oi storage.ObjectInfo) *models.FileVersion {
	size, _ := strconv.ParseInt(oi.Info[models.InfoSourceLength], 10, 64)

	return &models.FileVersion{
		ID:            oi.ID,
		Path:          plainPath,
		StoredName:    oi.Name,
		Size:          size,
		EncryptedSize: oi.Size,
		SHA1:          oi.Info[models.InfoSourceSHA1],
		ContentMode:   oi.Info[models.InfoEncryptionMode],
		Info:          userInfo(oi.Info),
		UploadedAt:    oi.UploadedAt,
	}
}

// modTime reads src_last_modified_millis, if present.
func modTime(info map[string]string) (time.Time, bool) {
	raw, ok := info[models.InfoSourceModifiedMillis]
	if !ok {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}
