package crypto_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/crypto/testdata"
)

func TestDeriveKeyVectors(t *testing.T) {
	for _, v := range testdata.KDFVectors {
		t.Run(v.Name, func(t *testing.T) {
			key, err := crypto.DeriveKey([]byte(v.Secret), []byte(v.Salt), v.Iterations, 32)
			require.NoError(t, err)
			assert.Equal(t, v.Key, hex.EncodeToString(key))
		})
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	kdf := crypto.NewKDF(10)
	salt := make([]byte, 16)

	a, err := kdf.Derive([]byte("correct horse"), salt, 16)
	require.NoError(t, err)
	b, err := kdf.Derive([]byte("correct horse"), salt, 16)
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)

	c, err := kdf.Derive([]byte("correct horse!"), salt, 16)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDeriveKeyTruncatesPrefix(t *testing.T) {
	long, err := crypto.DeriveKey([]byte("password"), []byte("salt"), 1, 32)
	require.NoError(t, err)
	short, err := crypto.DeriveKey([]byte("password"), []byte("salt"), 1, 16)
	require.NoError(t, err)

	assert.Equal(t, long[:16], short)
}

func TestDeriveKeyConfigErrors(t *testing.T) {
	tests := []struct {
		name       string
		salt       []byte
		iterations int
		outputLen  int
	}{
		{"output too long", []byte("salt"), 1, 33},
		{"zero output", []byte("salt"), 1, 0},
		{"negative output", []byte("salt"), 1, -1},
		{"zero iterations", []byte("salt"), 0, 16},
		{"empty salt", nil, 1, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := crypto.DeriveKey([]byte("secret"), tt.salt, tt.iterations, tt.outputLen)
			assert.Nil(t, key)
			assert.ErrorIs(t, err, crypto.ErrKeyDerivationConfig)

			var cfgErr *crypto.KeyDerivationConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.outputLen, cfgErr.OutputLen)
		})
	}
}

func TestNormalizePassphrase(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent
	composed := []byte("caf\u00e9")
	decomposed := []byte("cafe\u0301")

	assert.Equal(t, crypto.NormalizePassphrase(composed), crypto.NormalizePassphrase(decomposed))

	// NFKC folds compatibility forms such as the "ﬁ" ligature
	assert.Equal(t, []byte("fish"), crypto.NormalizePassphrase([]byte("\ufb01sh")))
}

func TestNormalizePassphraseCopies(t *testing.T) {
	pw := []byte("hunter2")

	normalized := crypto.NormalizePassphrase(pw)
	crypto.Wipe(normalized)

	assert.Equal(t, []byte("hunter2"), pw)
}

func TestWipe(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	crypto.Wipe(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
}
