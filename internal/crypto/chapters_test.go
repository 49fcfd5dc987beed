package crypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
)

func zeroNonce() []byte {
	return make([]byte, crypto.NonceSize)
}

// fileKeyIterations is far below crypto.DefaultIterations. These fixtures
// only need some fixed key, not a realistic work factor.
const fileKeyIterations = 1000

func fileKey(t testing.TB, mode crypto.CipherMode) []byte {
	t.Helper()
	key, err := crypto.DeriveKey([]byte("correct horse"), make([]byte, 16), fileKeyIterations, mode.KeySize())
	require.NoError(t, err)
	return key
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestChapterCount(t *testing.T) {
	tests := []struct {
		size int64
		want uint64
	}{
		{0, 1},
		{1, 1},
		{16384, 1},
		{16385, 2},
		{40000, 3},
		{3 * 16384, 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, crypto.ChapterCount(tt.size), "size %d", tt.size)
	}
}

func TestChapterNonce(t *testing.T) {
	base := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5}

	n, err := crypto.ChapterNonce(base, 0)
	require.NoError(t, err)
	assert.Equal(t, base, n)

	n, err = crypto.ChapterNonce(base, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8}, n)

	// Carry from the low 64 bits into the high 32 bits
	carry := []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	n, err = crypto.ChapterNonce(carry, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}, n)

	// Wraps modulo 2^96
	max := bytes.Repeat([]byte{0xff}, crypto.NonceSize)
	n, err = crypto.ChapterNonce(max, 1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, crypto.NonceSize), n)

	// Base is not modified
	assert.Equal(t, bytes.Repeat([]byte{0xff}, crypto.NonceSize), max)

	_, err = crypto.ChapterNonce([]byte{1, 2, 3}, 0)
	assert.ErrorIs(t, err, crypto.ErrInvalidNonce)
}

func TestEncryptChaptersHelloWorld(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	require.Len(t, key, 16)

	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), []byte("hello world"))
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Len(t, chapters[0], 27)

	plaintext, err := crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), chapters)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), plaintext)
}

func TestEncryptChaptersSplit(t *testing.T) {
	for _, mode := range []crypto.CipherMode{crypto.ModeChaptersAES128GCM, crypto.ModeChaptersChaCha20Poly1305} {
		t.Run(mode.String(), func(t *testing.T) {
			key := fileKey(t, mode)
			plaintext := randomBytes(t, 40000)

			chapters, err := crypto.EncryptChapters(mode, key, zeroNonce(), plaintext)
			require.NoError(t, err)
			require.Len(t, chapters, 3)
			assert.Len(t, chapters[0], 16384+16)
			assert.Len(t, chapters[1], 16384+16)
			assert.Len(t, chapters[2], 7232+16)

			decrypted, err := crypto.DecryptChapters(mode, key, zeroNonce(), chapters)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decrypted)
		})
	}
}

func TestEncryptChaptersEmpty(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)

	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), nil)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Len(t, chapters[0], crypto.TagSize)

	plaintext, err := crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), chapters)
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestDecryptChaptersTagFlip(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), randomBytes(t, 40000))
	require.NoError(t, err)

	last := chapters[1]
	last[len(last)-1] ^= 0x01

	plaintext, err := crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), chapters)
	assert.Nil(t, plaintext)
	assert.ErrorIs(t, err, crypto.ErrChapterAuthentication)

	var authErr *crypto.ChapterAuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, uint64(1), authErr.Chapter)
	assert.True(t, crypto.IsAuthenticationError(err))
}

func TestDecryptChaptersWrongKey(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), []byte("hello world"))
	require.NoError(t, err)

	other := bytes.Repeat([]byte{0x42}, 16)
	_, err = crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, other, zeroNonce(), chapters)
	assert.ErrorIs(t, err, crypto.ErrChapterAuthentication)
}

func TestDecryptChaptersReorderFails(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), randomBytes(t, 3*crypto.ChapterSize))
	require.NoError(t, err)

	chapters[0], chapters[1] = chapters[1], chapters[0]
	_, err = crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), chapters)
	assert.ErrorIs(t, err, crypto.ErrChapterAuthentication)
}

func TestDecryptChaptersDroppedChapterFails(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), randomBytes(t, 3*crypto.ChapterSize))
	require.NoError(t, err)

	// The count is bound into every tag, so a shortened file cannot verify
	_, err = crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), chapters[:2])
	assert.ErrorIs(t, err, crypto.ErrChapterAuthentication)
}

func TestChapterCipherSealRules(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	c, err := crypto.NewChapterCipher(crypto.ModeChaptersAES128GCM, key, zeroNonce(), 2)
	require.NoError(t, err)

	_, err = c.Seal(0, []byte("short"))
	assert.Error(t, err, "only the last chapter may be short")

	_, err = c.Seal(1, nil)
	assert.Error(t, err, "a multi-chapter file has no empty chapter")

	_, err = c.Seal(2, []byte("x"))
	assert.Error(t, err, "index out of range")

	_, err = c.Seal(1, make([]byte, crypto.ChapterSize+1))
	assert.Error(t, err)

	_, err = crypto.NewChapterCipher(crypto.ModeChaptersAES128GCM, key, zeroNonce(), 0)
	assert.ErrorIs(t, err, crypto.ErrContainerFormat)
}

func TestChapterCipherKeySizes(t *testing.T) {
	_, err := crypto.NewChapterCipher(crypto.ModeChaptersAES128GCM, make([]byte, 32), zeroNonce(), 1)
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	_, err = crypto.NewChapterCipher(crypto.ModeChaptersChaCha20Poly1305, make([]byte, 16), zeroNonce(), 1)
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	_, err = crypto.NewChapterCipher(crypto.CipherMode("chapters-aes256-cbc"), make([]byte, 32), zeroNonce(), 1)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedMode)

	_, err = crypto.NewChapterCipher(crypto.NameModeAES256GCM, make([]byte, 32), zeroNonce(), 1)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedMode)
}

func TestParseContentMode(t *testing.T) {
	tests := []struct {
		in   string
		want crypto.CipherMode
	}{
		{"chapters-aes128gcm-v1", crypto.ModeChaptersAES128GCM},
		{"aes128gcm", crypto.ModeChaptersAES128GCM},
		{"ChaCha20Poly1305", crypto.ModeChaptersChaCha20Poly1305},
		{"chapters-chacha20poly1305-v1", crypto.ModeChaptersChaCha20Poly1305},
	}
	for _, tt := range tests {
		got, err := crypto.ParseContentMode(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := crypto.ParseContentMode("aes256cbc")
	assert.ErrorIs(t, err, crypto.ErrUnsupportedMode)

	_, err = crypto.ParseNameMode("aes256gcm-v1")
	assert.NoError(t, err)
	_, err = crypto.ParseNameMode("aes256cbc-v1")
	assert.ErrorIs(t, err, crypto.ErrUnsupportedMode)
}
