package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherMode tags how an object's content or name was encrypted. The tag is
// stored in object metadata and must be matched exhaustively on read.
type CipherMode string

const (
	// ModeChaptersAES128GCM is the default content mode.
	ModeChaptersAES128GCM CipherMode = "chapters-aes128gcm-v1"

	// ModeChaptersChaCha20Poly1305 is the content mode for hosts without AES hardware.
	ModeChaptersChaCha20Poly1305 CipherMode = "chapters-chacha20poly1305-v1"

	// NameModeAES256GCM encrypts leaf file names.
	NameModeAES256GCM CipherMode = "aes256gcm-v1"
)

// DefaultContentMode is used when nothing else is configured.
const DefaultContentMode = ModeChaptersAES128GCM

// ParseContentMode accepts a stored tag or a short config name.
func ParseContentMode(s string) (CipherMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeChaptersAES128GCM), "aes128gcm", "aes-128-gcm":
		return ModeChaptersAES128GCM, nil
	case string(ModeChaptersChaCha20Poly1305), "chacha20poly1305", "chacha20-poly1305":
		return ModeChaptersChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: content mode %q", ErrUnsupportedMode, s)
	}
}

// ParseNameMode validates a stored file-name encryption tag.
func ParseNameMode(s string) (CipherMode, error) {
	if CipherMode(s) == NameModeAES256GCM {
		return NameModeAES256GCM, nil
	}
	return "", fmt.Errorf("%w: name mode %q", ErrUnsupportedMode, s)
}

// KeySize returns the key length the mode requires.
func (m CipherMode) KeySize() int {
	switch m {
	case ModeChaptersAES128GCM:
		return 16
	case ModeChaptersChaCha20Poly1305:
		return chacha20poly1305.KeySize
	case NameModeAES256GCM:
		return 32
	default:
		return 0
	}
}

// String returns the stored tag.
func (m CipherMode) String() string {
	return string(m)
}

// newAEAD builds the AEAD for the mode. All supported modes use 12-byte nonces
// and 16-byte tags.
func (m CipherMode) newAEAD(key []byte) (cipher.AEAD, error) {
	if size := m.KeySize(); size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, string(m))
	} else if len(key) != size {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidKey, m, size, len(key))
	}

	switch m {
	case ModeChaptersAES128GCM, NameModeAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		return aead, nil
	case ModeChaptersChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, string(m))
	}
}
