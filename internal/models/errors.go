package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNotEncrypted  = "BUCKET_NOT_ENCRYPTED"
	ErrCodeWrongPass     = "WRONG_PASSPHRASE"
	ErrCodeDecryption    = "DECRYPTION_ERROR"
	ErrCodeIntegrity     = "INTEGRITY_ERROR"
	ErrCodeWriteConflict = "WRITE_CONFLICT"
	ErrCodeStorage       = "STORAGE_ERROR"
	ErrCodeState         = "STATE_ERROR"
	ErrCodeConfig        = "CONFIG_ERROR"
)

// Sentinel errors
var (
	ErrBucketNotEncrypted    = errors.New("bucket has no encryption settings")
	ErrSettingsWriteConflict = errors.New("bucket encryption settings changed concurrently")
	ErrWrongPassphrase       = errors.New("wrong passphrase")
	ErrInvalidSettings       = errors.New("invalid bucket encryption settings")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrIntegrityCheckFail    = errors.New("integrity check failed")
	ErrNotEncryptedObject    = errors.New("object is missing encryption metadata")
)

// TransferError provides detailed upload/download failure information.
type TransferError struct {
	Code   string
	Op     string
	Bucket string
	Path   string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s [%s]: bucket %s: %s: %v", e.Op, e.Code, e.Bucket, e.Path, e.Err)
	}
	return fmt.Sprintf("%s [%s]: bucket %s: %v", e.Op, e.Code, e.Bucket, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// DecryptError represents a decryption failure.
type DecryptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decrypt %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a hash mismatch.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s",
		e.Path, e.Expected, e.Actual)
}

// Is lets errors.Is match IntegrityError against ErrIntegrityCheckFail.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityCheckFail
}
