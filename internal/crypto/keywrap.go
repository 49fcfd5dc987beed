package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the size of the master key and of every key-encryption key.
const KeySize = 32

var masterKeyAAD = []byte("bucketcrypt master key v1")

// GenerateKey returns size random bytes from the OS CSPRNG.
func GenerateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return key, nil
}

// WrapKey encrypts key under kek with AES-256-GCM. The result is nonce || ciphertext || tag.
func WrapKey(kek, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: wrapped key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return sealRandomNonce(NameModeAES256GCM, kek, key, masterKeyAAD)
}

// UnwrapKey reverses WrapKey. A wrong kek yields ErrKeyUnwrap.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	key, err := openRandomNonce(NameModeAES256GCM, kek, wrapped, masterKeyAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	if len(key) != KeySize {
		Wipe(key)
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrKeyUnwrap, len(key))
	}
	return key, nil
}

func sealRandomNonce(mode CipherMode, key, plaintext, aad []byte) ([]byte, error) {
	aead, err := mode.newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openRandomNonce(mode CipherMode, key, data, aad []byte) ([]byte, error) {
	aead, err := mode.newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
