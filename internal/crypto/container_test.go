package crypto_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
)

func zeroHeader(size int64) crypto.Header {
	return crypto.Header{
		FileSalt:     make([]byte, crypto.FileSaltSize),
		BaseNonce:    zeroNonce(),
		ChapterCount: crypto.ChapterCount(size),
	}
}

func buildContainer(t testing.TB, mode crypto.CipherMode, plaintext []byte) ([]byte, []byte) {
	t.Helper()
	key := fileKey(t, mode)
	h := zeroHeader(int64(len(plaintext)))

	chapters, err := crypto.EncryptChapters(mode, key, h.BaseNonce, plaintext)
	require.NoError(t, err)

	container, err := crypto.Serialize(h, chapters)
	require.NoError(t, err)
	return container, key
}

func decryptWithKey(key []byte) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) {
		return append([]byte(nil), key...), nil
	}
}

func TestContainerLayoutSizes(t *testing.T) {
	assert.Equal(t, 72, crypto.HeaderSize)
	assert.Equal(t, 88, crypto.Overhead)
}

func TestEncryptedSize(t *testing.T) {
	tests := []struct {
		plain int64
		want  int64
	}{
		{0, 88 + 16},
		{11, 88 + 27},
		{16384, 88 + 16400},
		{16385, 88 + 16400 + 17},
		{40000, 88 + 40000 + 3*16},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, crypto.EncryptedSize(tt.plain), "plain %d", tt.plain)
		assert.Equal(t, tt.plain, crypto.DecryptedSize(tt.want), "container %d", tt.want)
	}
}

func TestDecryptedSizeInvalid(t *testing.T) {
	for _, size := range []int64{0, 87, 88, 88 + 15, 88 + 16401} {
		assert.Equal(t, int64(-1), crypto.DecryptedSize(size), "container %d", size)
	}
}

func TestSerializeParse(t *testing.T) {
	plaintext := []byte("hello world")
	container, key := buildContainer(t, crypto.ModeChaptersAES128GCM, plaintext)
	require.Len(t, container, 88+27)
	assert.Equal(t, []byte("BUCKETCRYPT-HDR1"), container[:16])
	assert.Equal(t, []byte("BUCKETCRYPT-END1"), container[len(container)-16:])

	h, chapters, err := crypto.Parse(container)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.ChapterCount)
	assert.Equal(t, make([]byte, 16), h.FileSalt)
	require.Len(t, chapters, 1)
	assert.Len(t, chapters[0], 27)

	decrypted, err := crypto.DecryptChapters(crypto.ModeChaptersAES128GCM, key, h.BaseNonce, chapters)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestParseMultiChapter(t *testing.T) {
	plaintext := randomBytes(t, 40000)
	container, _ := buildContainer(t, crypto.ModeChaptersAES128GCM, plaintext)
	require.Len(t, container, int(crypto.EncryptedSize(40000)))

	h, chapters, err := crypto.Parse(container)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.ChapterCount)
	require.Len(t, chapters, 3)
	assert.Len(t, chapters[2], 7248)
}

func TestParseTruncated(t *testing.T) {
	container, _ := buildContainer(t, crypto.ModeChaptersAES128GCM, randomBytes(t, 40000))

	cuts := map[string][]byte{
		"empty":          nil,
		"partial header": container[:40],
		"header only":    container[:crypto.HeaderSize],
		"missing suffix": container[:len(container)-crypto.MagicSize],
		"one byte short": container[:len(container)-1],
		"mid chapter":    container[:crypto.HeaderSize+20000],
	}

	for name, data := range cuts {
		t.Run(name, func(t *testing.T) {
			_, _, err := crypto.Parse(data)
			assert.ErrorIs(t, err, crypto.ErrContainerFormat)
			assert.True(t, crypto.IsContainerFormatError(err))
		})
	}
}

func TestParseBadHeader(t *testing.T) {
	container, _ := buildContainer(t, crypto.ModeChaptersAES128GCM, []byte("hello world"))

	t.Run("bad magic", func(t *testing.T) {
		data := bytes.Clone(container)
		data[0] = 'X'
		_, _, err := crypto.Parse(data)
		assert.ErrorIs(t, err, crypto.ErrContainerFormat)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		data := bytes.Clone(container)
		data[crypto.MagicSize] ^= 0x01
		_, _, err := crypto.Parse(data)
		assert.ErrorIs(t, err, crypto.ErrContainerFormat)
	})

	t.Run("count beyond body", func(t *testing.T) {
		h := zeroHeader(11)
		h.ChapterCount = 5
		header, err := h.MarshalBinary()
		require.NoError(t, err)

		data := append(header, container[crypto.HeaderSize:]...)
		_, _, err = crypto.Parse(data)
		assert.ErrorIs(t, err, crypto.ErrContainerFormat)
	})

	t.Run("trailing data", func(t *testing.T) {
		data := append(bytes.Clone(container), 0x00)
		_, _, err := crypto.Parse(data)
		assert.ErrorIs(t, err, crypto.ErrContainerFormat)
	})
}

func TestHeaderMarshalRejectsBadFields(t *testing.T) {
	_, err := crypto.Header{FileSalt: []byte("short"), BaseNonce: zeroNonce(), ChapterCount: 1}.MarshalBinary()
	assert.Error(t, err)

	_, err = crypto.Header{FileSalt: make([]byte, 16), BaseNonce: []byte{1}, ChapterCount: 1}.MarshalBinary()
	assert.ErrorIs(t, err, crypto.ErrInvalidNonce)

	_, err = crypto.Header{FileSalt: make([]byte, 16), BaseNonce: zeroNonce()}.MarshalBinary()
	assert.ErrorIs(t, err, crypto.ErrContainerFormat)
}

func TestSerializeRejectsCountMismatch(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)
	chapters, err := crypto.EncryptChapters(crypto.ModeChaptersAES128GCM, key, zeroNonce(), randomBytes(t, 40000))
	require.NoError(t, err)

	_, err = crypto.Serialize(zeroHeader(11), chapters)
	assert.Error(t, err)
}

func TestEncryptReaderMatchesSerialize(t *testing.T) {
	for _, size := range []int{0, 11, crypto.ChapterSize, 40000} {
		plaintext := randomBytes(t, size)
		want, key := buildContainer(t, crypto.ModeChaptersAES128GCM, plaintext)

		r, err := crypto.NewEncryptReader(crypto.ModeChaptersAES128GCM, key, zeroHeader(int64(size)), bytes.NewReader(plaintext), int64(size))
		require.NoError(t, err)

		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, want, got, "size %d", size)
		assert.Len(t, got, int(crypto.EncryptedSize(int64(size))))
	}
}

func TestEncryptReaderSizeMismatch(t *testing.T) {
	key := fileKey(t, crypto.ModeChaptersAES128GCM)

	t.Run("short input", func(t *testing.T) {
		r, err := crypto.NewEncryptReader(crypto.ModeChaptersAES128GCM, key, zeroHeader(100), bytes.NewReader(make([]byte, 50)), 100)
		require.NoError(t, err)
		_, err = io.ReadAll(r)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("long input", func(t *testing.T) {
		r, err := crypto.NewEncryptReader(crypto.ModeChaptersAES128GCM, key, zeroHeader(100), bytes.NewReader(make([]byte, 101)), 100)
		require.NoError(t, err)
		_, err = io.ReadAll(r)
		assert.Error(t, err)
	})

	t.Run("header disagrees with size", func(t *testing.T) {
		_, err := crypto.NewEncryptReader(crypto.ModeChaptersAES128GCM, key, zeroHeader(100), bytes.NewReader(nil), 40000)
		assert.Error(t, err)
	})
}

func TestDecryptStream(t *testing.T) {
	plaintext := randomBytes(t, 40000)
	container, key := buildContainer(t, crypto.ModeChaptersChaCha20Poly1305, plaintext)

	var out bytes.Buffer
	n, err := crypto.DecryptStream(&out, bytes.NewReader(container), crypto.ModeChaptersChaCha20Poly1305, decryptWithKey(key))
	require.NoError(t, err)
	assert.Equal(t, int64(40000), n)
	assert.Equal(t, plaintext, out.Bytes())
}

func TestDecryptStreamEmptyFile(t *testing.T) {
	container, key := buildContainer(t, crypto.ModeChaptersAES128GCM, nil)
	require.Len(t, container, crypto.Overhead+crypto.TagSize)

	var out bytes.Buffer
	n, err := crypto.DecryptStream(&out, bytes.NewReader(container), crypto.ModeChaptersAES128GCM, decryptWithKey(key))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
}

func TestDecryptStreamTruncated(t *testing.T) {
	container, key := buildContainer(t, crypto.ModeChaptersAES128GCM, randomBytes(t, 40000))

	for _, cut := range []int{10, crypto.HeaderSize + 100, crypto.HeaderSize + crypto.EncryptedChapterSize + 5, len(container) - crypto.MagicSize, len(container) - 1} {
		var out bytes.Buffer
		_, err := crypto.DecryptStream(&out, bytes.NewReader(container[:cut]), crypto.ModeChaptersAES128GCM, decryptWithKey(key))
		assert.ErrorIs(t, err, crypto.ErrContainerFormat, "cut at %d", cut)
	}
}

func TestDecryptStreamTrailingData(t *testing.T) {
	container, key := buildContainer(t, crypto.ModeChaptersAES128GCM, []byte("hello world"))
	data := append(bytes.Clone(container), []byte("extra")...)

	_, err := crypto.DecryptStream(io.Discard, bytes.NewReader(data), crypto.ModeChaptersAES128GCM, decryptWithKey(key))
	assert.ErrorIs(t, err, crypto.ErrContainerFormat)
}

func TestDecryptStreamTamperedChapter(t *testing.T) {
	container, key := buildContainer(t, crypto.ModeChaptersAES128GCM, randomBytes(t, 40000))
	container[crypto.HeaderSize+10] ^= 0x80

	var out bytes.Buffer
	_, err := crypto.DecryptStream(&out, bytes.NewReader(container), crypto.ModeChaptersAES128GCM, decryptWithKey(key))
	assert.ErrorIs(t, err, crypto.ErrChapterAuthentication)
	assert.Zero(t, out.Len())
}

func TestDecoderChapters(t *testing.T) {
	container, _ := buildContainer(t, crypto.ModeChaptersAES128GCM, randomBytes(t, 40000))

	dec, err := crypto.NewDecoder(bytes.NewReader(container))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), dec.Header().ChapterCount)

	var sizes []int
	for {
		i, chapter, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, uint64(len(sizes)), i)
		sizes = append(sizes, len(chapter))
	}
	assert.Equal(t, []int{16400, 16400, 7248}, sizes)

	_, _, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}
