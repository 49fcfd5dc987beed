package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultIterations is the PBKDF2 round count recorded for new buckets.
	DefaultIterations = 500000

	// MaxDerivedKeySize is the PRF output size; longer outputs are refused.
	MaxDerivedKeySize = sha256.Size
)

// KDF derives keys with PBKDF2-HMAC-SHA256 at a fixed iteration count.
type KDF struct {
	Iterations int
}

// NewKDF returns a KDF using the given iteration count.
func NewKDF(iterations int) KDF {
	return KDF{Iterations: iterations}
}

// Derive returns outputLen bytes derived from secret and salt.
func (k KDF) Derive(secret, salt []byte, outputLen int) ([]byte, error) {
	return DeriveKey(secret, salt, k.Iterations, outputLen)
}

// DeriveKey is PBKDF2-HMAC-SHA256. outputLen must be in 1..32.
func DeriveKey(secret, salt []byte, iterations, outputLen int) ([]byte, error) {
	switch {
	case outputLen <= 0:
		return nil, &KeyDerivationConfigError{Iterations: iterations, OutputLen: outputLen, Reason: "output length must be positive"}
	case outputLen > MaxDerivedKeySize:
		return nil, &KeyDerivationConfigError{Iterations: iterations, OutputLen: outputLen, Reason: "output length exceeds hash size"}
	case iterations < 1:
		return nil, &KeyDerivationConfigError{Iterations: iterations, OutputLen: outputLen, Reason: "iterations must be positive"}
	case len(salt) == 0:
		return nil, &KeyDerivationConfigError{Iterations: iterations, OutputLen: outputLen, Reason: "salt is empty"}
	}

	return pbkdf2.Key(secret, salt, iterations, outputLen, sha256.New), nil
}

// NormalizePassphrase returns the NFKC form of a passphrase so equivalent
// Unicode input derives the same key. The result never aliases passphrase,
// so callers may wipe it.
func NormalizePassphrase(passphrase []byte) []byte {
	return norm.NFKC.Append(make([]byte, 0, len(passphrase)), passphrase...)
}

// Wipe zeroes key material in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
