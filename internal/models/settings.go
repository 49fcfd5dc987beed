package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ControlObjectName is the reserved object holding a bucket's encryption settings.
const ControlObjectName = ".MASTER_KEY"

// Settings document constants.
const (
	SettingsVersion  = 1
	KDFPBKDF2SHA256  = "pbkdf2-sha256"
	KeyWrapAES256GCM = "aes256-gcm"
	SaltSize         = 16
	MasterKeySize    = 32
)

// BucketSettings is the per-bucket encryption document stored in ControlObjectName.
// Byte fields are base64 in JSON.
type BucketSettings struct {
	Version           int        `json:"version"`
	KDF               string     `json:"kdf"`
	Iterations        int        `json:"iterations"`
	EncryptionKeySalt []byte     `json:"encryptionKeySalt"`
	PathHashSalt      []byte     `json:"pathHashSalt"`
	WrappedMasterKey  []byte     `json:"wrappedMasterKey"`
	KeyWrapMode       string     `json:"keyWrapMode"`
	Generation        int64      `json:"generation"`
	CreatedAt         time.Time  `json:"createdAt"`
	RotatedAt         *time.Time `json:"rotatedAt,omitempty"`
}

// ParseBucketSettings decodes and validates a control object body.
func ParseBucketSettings(data []byte) (*BucketSettings, error) {
	var s BucketSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Marshal encodes the document for storage.
func (s *BucketSettings) Marshal() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}

// Validate checks the document structure.
func (s *BucketSettings) Validate() error {
	if s.Version != SettingsVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSettings, s.Version)
	}

	if !strings.EqualFold(s.KDF, KDFPBKDF2SHA256) {
		return fmt.Errorf("%w: unsupported kdf %q", ErrInvalidSettings, s.KDF)
	}

	if s.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be positive", ErrInvalidSettings)
	}

	if len(s.EncryptionKeySalt) != SaltSize {
		return fmt.Errorf("%w: encryption key salt must be %d bytes", ErrInvalidSettings, SaltSize)
	}

	if len(s.PathHashSalt) != SaltSize {
		return fmt.Errorf("%w: path hash salt must be %d bytes", ErrInvalidSettings, SaltSize)
	}

	if len(s.WrappedMasterKey) == 0 {
		return fmt.Errorf("%w: wrapped master key is required", ErrInvalidSettings)
	}

	if s.KeyWrapMode != KeyWrapAES256GCM {
		return fmt.Errorf("%w: unsupported key wrap mode %q", ErrInvalidSettings, s.KeyWrapMode)
	}

	if s.Generation < 1 {
		return fmt.Errorf("%w: generation must be positive", ErrInvalidSettings)
	}

	return nil
}

// Clone creates a deep copy of the settings.
func (s *BucketSettings) Clone() *BucketSettings {
	clone := *s
	clone.EncryptionKeySalt = append([]byte(nil), s.EncryptionKeySalt...)
	clone.PathHashSalt = append([]byte(nil), s.PathHashSalt...)
	clone.WrappedMasterKey = append([]byte(nil), s.WrappedMasterKey...)
	if s.RotatedAt != nil {
		t := *s.RotatedAt
		clone.RotatedAt = &t
	}
	return &clone
}

// SameGeneration reports whether other is the same revision of the document.
func (s *BucketSettings) SameGeneration(other *BucketSettings) bool {
	if other == nil {
		return false
	}
	return s.Generation == other.Generation &&
		string(s.WrappedMasterKey) == string(other.WrappedMasterKey)
}
