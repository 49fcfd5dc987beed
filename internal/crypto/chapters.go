package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	// ChapterSize is the plaintext size of every chapter but the last.
	ChapterSize = 16 * 1024

	// TagSize is the AEAD tag appended to each chapter.
	TagSize = 16

	// NonceSize is the base nonce length.
	NonceSize = 12

	// EncryptedChapterSize is the stored size of a full chapter.
	EncryptedChapterSize = ChapterSize + TagSize
)

// ChapterCount returns the number of chapters for a plaintext of the given
// size. An empty plaintext still has one (empty) chapter.
func ChapterCount(size int64) uint64 {
	if size <= 0 {
		return 1
	}
	return uint64((size + ChapterSize - 1) / ChapterSize)
}

// ChapterNonce returns base + i, treating base as a 96-bit big-endian integer
// and wrapping modulo 2^96.
func ChapterNonce(base []byte, i uint64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, NonceSize, len(base))
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, base)

	lo := binary.BigEndian.Uint64(nonce[4:])
	sum := lo + i
	binary.BigEndian.PutUint64(nonce[4:], sum)
	if sum < lo {
		hi := binary.BigEndian.Uint32(nonce[:4]) + 1
		binary.BigEndian.PutUint32(nonce[:4], hi)
	}

	return nonce, nil
}

// ChapterCipher seals and opens the chapters of one file. The chapter count is
// bound into every tag as associated data, so a container that lies about its
// count fails authentication.
type ChapterCipher struct {
	aead      cipher.AEAD
	baseNonce []byte
	count     uint64
	aad       []byte
}

// NewChapterCipher creates a cipher for a file of count chapters.
func NewChapterCipher(mode CipherMode, fileKey, baseNonce []byte, count uint64) (*ChapterCipher, error) {
	if mode == NameModeAES256GCM {
		return nil, fmt.Errorf("%w: %s is not a content mode", ErrUnsupportedMode, mode)
	}
	if len(baseNonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, NonceSize, len(baseNonce))
	}
	if count == 0 {
		return nil, formatError("chapter count must be at least 1")
	}

	aead, err := mode.newAEAD(fileKey)
	if err != nil {
		return nil, err
	}

	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, count)

	return &ChapterCipher{
		aead:      aead,
		baseNonce: append([]byte(nil), baseNonce...),
		count:     count,
		aad:       aad,
	}, nil
}

// Count returns the number of chapters this cipher was created for.
func (c *ChapterCipher) Count() uint64 {
	return c.count
}

// Seal encrypts chapter i. Every chapter but the last must be exactly
// ChapterSize; the last may be empty only in a one-chapter file.
func (c *ChapterCipher) Seal(i uint64, plaintext []byte) ([]byte, error) {
	if i >= c.count {
		return nil, fmt.Errorf("chapter %d out of range (count %d)", i, c.count)
	}

	last := i == c.count-1
	switch {
	case len(plaintext) > ChapterSize:
		return nil, fmt.Errorf("chapter %d is %d bytes, max %d", i, len(plaintext), ChapterSize)
	case !last && len(plaintext) != ChapterSize:
		return nil, fmt.Errorf("chapter %d is %d bytes, only the last chapter may be short", i, len(plaintext))
	case last && c.count > 1 && len(plaintext) == 0:
		return nil, fmt.Errorf("chapter %d is empty", i)
	}

	nonce, err := ChapterNonce(c.baseNonce, i)
	if err != nil {
		return nil, err
	}

	return c.aead.Seal(make([]byte, 0, len(plaintext)+TagSize), nonce, plaintext, c.aad), nil
}

// Open authenticates and decrypts chapter i. Nothing is returned unless the tag verifies.
func (c *ChapterCipher) Open(i uint64, chapter []byte) ([]byte, error) {
	if i >= c.count {
		return nil, formatError(fmt.Sprintf("chapter %d beyond declared count %d", i, c.count))
	}
	if len(chapter) < TagSize || len(chapter) > EncryptedChapterSize {
		return nil, formatError(fmt.Sprintf("chapter %d has invalid length %d", i, len(chapter)))
	}

	nonce, err := ChapterNonce(c.baseNonce, i)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.aead.Open(nil, nonce, chapter, c.aad)
	if err != nil {
		return nil, &ChapterAuthenticationError{Chapter: i}
	}
	return plaintext, nil
}

// EncryptChapters splits plaintext into chapters and seals each one.
func EncryptChapters(mode CipherMode, fileKey, baseNonce, plaintext []byte) ([][]byte, error) {
	count := ChapterCount(int64(len(plaintext)))

	c, err := NewChapterCipher(mode, fileKey, baseNonce, count)
	if err != nil {
		return nil, err
	}

	chapters := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		start := i * ChapterSize
		end := start + ChapterSize
		if end > uint64(len(plaintext)) {
			end = uint64(len(plaintext))
		}

		sealed, err := c.Seal(i, plaintext[start:end])
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, sealed)
	}

	return chapters, nil
}

// DecryptChapters opens every chapter in order. It fails closed: any bad
// chapter yields an error and no plaintext.
func DecryptChapters(mode CipherMode, fileKey, baseNonce []byte, chapters [][]byte) ([]byte, error) {
	if len(chapters) == 0 {
		return nil, formatError("no chapters")
	}

	c, err := NewChapterCipher(mode, fileKey, baseNonce, uint64(len(chapters)))
	if err != nil {
		return nil, err
	}

	size := 0
	for _, ch := range chapters {
		size += len(ch) - TagSize
	}
	if size < 0 {
		size = 0
	}

	plaintext := make([]byte, 0, size)
	for i, ch := range chapters {
		if i < len(chapters)-1 && len(ch) != EncryptedChapterSize {
			return nil, formatError(fmt.Sprintf("chapter %d has length %d, expected %d", i, len(ch), EncryptedChapterSize))
		}

		pt, err := c.Open(uint64(i), ch)
		if err != nil {
			Wipe(plaintext)
			return nil, err
		}
		plaintext = append(plaintext, pt...)
	}

	return plaintext, nil
}
