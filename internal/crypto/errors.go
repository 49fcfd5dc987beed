package crypto

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrKeyDerivationConfig   = errors.New("invalid key derivation parameters")
	ErrPathTooDeep           = errors.New("path too deep")
	ErrInvalidPath           = errors.New("invalid object path")
	ErrChapterAuthentication = errors.New("chapter authentication failed")
	ErrContainerFormat       = errors.New("malformed encrypted container")
	ErrUnsupportedMode       = errors.New("unsupported cipher mode")
	ErrInvalidKey            = errors.New("invalid key size")
	ErrInvalidNonce          = errors.New("invalid nonce size")
	ErrInvalidCiphertext     = errors.New("invalid ciphertext format")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrKeyUnwrap             = errors.New("key unwrap failed")
)

// KeyDerivationConfigError reports unusable KDF parameters. Raised before any work is done.
type KeyDerivationConfigError struct {
	Iterations int
	OutputLen  int
	Reason     string
}

func (e *KeyDerivationConfigError) Error() string {
	return fmt.Sprintf("key derivation: %s (iterations=%d, output_len=%d)", e.Reason, e.Iterations, e.OutputLen)
}

func (e *KeyDerivationConfigError) Is(target error) bool {
	return target == ErrKeyDerivationConfig
}

// PathTooDeepError reports a path whose obfuscated form cannot fit the store's name limit.
type PathTooDeepError struct {
	Depth    int
	MaxDepth int
}

func (e *PathTooDeepError) Error() string {
	return fmt.Sprintf("path has %d components, at most %d fit in an object name", e.Depth, e.MaxDepth)
}

func (e *PathTooDeepError) Is(target error) bool {
	return target == ErrPathTooDeep
}

// InvalidPathError reports a path the object store would reject.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool {
	return target == ErrInvalidPath
}

// ChapterAuthenticationError reports a chapter whose tag did not verify.
type ChapterAuthenticationError struct {
	Chapter uint64
}

func (e *ChapterAuthenticationError) Error() string {
	return fmt.Sprintf("chapter %d failed authentication", e.Chapter)
}

func (e *ChapterAuthenticationError) Is(target error) bool {
	return target == ErrChapterAuthentication || target == ErrDecryptionFailed
}

// ContainerFormatError reports a structurally invalid or truncated container.
type ContainerFormatError struct {
	Reason string
	Err    error
}

func (e *ContainerFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container format: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("container format: %s", e.Reason)
}

func (e *ContainerFormatError) Unwrap() error {
	return e.Err
}

func (e *ContainerFormatError) Is(target error) bool {
	return target == ErrContainerFormat
}

func formatError(reason string) error {
	return &ContainerFormatError{Reason: reason}
}

// IsAuthenticationError reports whether err is a chapter authentication failure.
func IsAuthenticationError(err error) bool {
	var ae *ChapterAuthenticationError
	return errors.As(err, &ae)
}

// IsContainerFormatError reports whether err is a container structure failure.
func IsContainerFormatError(err error) bool {
	var ce *ContainerFormatError
	return errors.As(err, &ce)
}
