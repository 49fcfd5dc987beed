package crypto

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

var fileNameAAD = []byte("bucketcrypt file name v1")

// NameCipher encrypts file names with AES-256-GCM and a random nonce, so the
// same name encrypts differently every time.
type NameCipher struct {
	key []byte
}

// NewNameCipher creates a name cipher from a 32-byte key.
func NewNameCipher(key []byte) (*NameCipher, error) {
	if len(key) != NameModeAES256GCM.KeySize() {
		return nil, fmt.Errorf("%w: name key must be %d bytes, got %d", ErrInvalidKey, NameModeAES256GCM.KeySize(), len(key))
	}
	return &NameCipher{key: append([]byte(nil), key...)}, nil
}

// Encrypt returns standard base64 of nonce || ciphertext || tag.
func (n *NameCipher) Encrypt(name string) (string, error) {
	sealed, err := sealRandomNonce(NameModeAES256GCM, n.key, []byte(name), fileNameAAD)
	if err != nil {
		return "", fmt.Errorf("encrypt file name: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (n *NameCipher) Decrypt(encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: decode file name: %v", ErrInvalidCiphertext, err)
	}

	plain, err := openRandomNonce(NameModeAES256GCM, n.key, data, fileNameAAD)
	if err != nil {
		return "", fmt.Errorf("decrypt file name: %w", err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("decrypt file name: %w", ErrInvalidCiphertext)
	}
	return string(plain), nil
}

// Wipe clears the key.
func (n *NameCipher) Wipe() {
	Wipe(n.key)
}
