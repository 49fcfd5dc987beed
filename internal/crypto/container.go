package crypto

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Container layout:
//
//	magic prefix   16
//	file salt      16
//	base nonce     12
//	chapter count   8  uint64 big-endian
//	header digest  20  SHA1 of the 52 bytes above
//	chapters       n x (plaintext + 16)
//	magic suffix   16
const (
	MagicSize    = 16
	FileSaltSize = 16
	DigestSize   = sha1.Size

	headerBodySize = MagicSize + FileSaltSize + NonceSize + 8

	// HeaderSize is the fixed length before the first chapter.
	HeaderSize = headerBodySize + DigestSize

	// Overhead is the container size excluding chapter bodies and tags.
	Overhead = HeaderSize + MagicSize
)

var (
	magicPrefix = []byte("BUCKETCRYPT-HDR1")
	magicSuffix = []byte("BUCKETCRYPT-END1")
)

// Header is the fixed-size container preamble.
type Header struct {
	FileSalt     []byte
	BaseNonce    []byte
	ChapterCount uint64
}

// MarshalBinary encodes the header including its digest.
func (h Header) MarshalBinary() ([]byte, error) {
	if len(h.FileSalt) != FileSaltSize {
		return nil, fmt.Errorf("file salt must be %d bytes, got %d", FileSaltSize, len(h.FileSalt))
	}
	if len(h.BaseNonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, NonceSize, len(h.BaseNonce))
	}
	if h.ChapterCount == 0 {
		return nil, formatError("chapter count must be at least 1")
	}

	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, magicPrefix...)
	buf = append(buf, h.FileSalt...)
	buf = append(buf, h.BaseNonce...)
	buf = binary.BigEndian.AppendUint64(buf, h.ChapterCount)
	digest := sha1.Sum(buf)
	buf = append(buf, digest[:]...)
	return buf, nil
}

// ParseHeader decodes and verifies a header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, formatError("truncated header")
	}
	if !bytes.Equal(data[:MagicSize], magicPrefix) {
		return Header{}, formatError("bad magic prefix")
	}

	digest := sha1.Sum(data[:headerBodySize])
	if subtle.ConstantTimeCompare(digest[:], data[headerBodySize:HeaderSize]) != 1 {
		return Header{}, formatError("header digest mismatch")
	}

	off := MagicSize
	h := Header{
		FileSalt:  append([]byte(nil), data[off:off+FileSaltSize]...),
		BaseNonce: append([]byte(nil), data[off+FileSaltSize:off+FileSaltSize+NonceSize]...),
	}
	h.ChapterCount = binary.BigEndian.Uint64(data[off+FileSaltSize+NonceSize : headerBodySize])
	if h.ChapterCount == 0 {
		return Header{}, formatError("chapter count is zero")
	}

	return h, nil
}

// EncryptedSize returns the exact container length for a plaintext size.
func EncryptedSize(plaintextSize int64) int64 {
	return Overhead + plaintextSize + int64(ChapterCount(plaintextSize))*TagSize
}

// DecryptedSize returns the plaintext length for a container length, or -1 if
// no plaintext size produces that container length.
func DecryptedSize(containerSize int64) int64 {
	body := containerSize - Overhead
	if body < TagSize {
		return -1
	}
	chapters := (body + EncryptedChapterSize - 1) / EncryptedChapterSize
	size := body - chapters*TagSize
	if size < 0 || EncryptedSize(size) != containerSize {
		return -1
	}
	return size
}

// Serialize assembles header, chapters and suffix into one container.
func Serialize(h Header, chapters [][]byte) ([]byte, error) {
	if uint64(len(chapters)) != h.ChapterCount {
		return nil, fmt.Errorf("header declares %d chapters, got %d", h.ChapterCount, len(chapters))
	}

	header, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	size := len(header) + MagicSize
	for i, ch := range chapters {
		if len(ch) < TagSize || len(ch) > EncryptedChapterSize {
			return nil, fmt.Errorf("chapter %d has invalid length %d", i, len(ch))
		}
		if i < len(chapters)-1 && len(ch) != EncryptedChapterSize {
			return nil, fmt.Errorf("chapter %d is short but not last", i)
		}
		size += len(ch)
	}

	out := make([]byte, 0, size)
	out = append(out, header...)
	for _, ch := range chapters {
		out = append(out, ch...)
	}
	out = append(out, magicSuffix...)
	return out, nil
}

// Parse splits a container into its header and raw encrypted chapters. It
// checks structure only; chapters are authenticated by ChapterCipher.Open.
func Parse(data []byte) (Header, [][]byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}

	if len(data) < HeaderSize+TagSize+MagicSize {
		return Header{}, nil, formatError("truncated container")
	}
	if !bytes.Equal(data[len(data)-MagicSize:], magicSuffix) {
		return Header{}, nil, formatError("missing magic suffix")
	}

	body := data[HeaderSize : len(data)-MagicSize]
	n := h.ChapterCount
	if n-1 > uint64(len(body))/EncryptedChapterSize {
		return Header{}, nil, formatError(fmt.Sprintf("header declares %d chapters, body holds fewer", n))
	}

	fullLen := (n - 1) * EncryptedChapterSize
	lastLen := uint64(len(body)) - fullLen
	if lastLen < TagSize {
		return Header{}, nil, formatError("last chapter truncated")
	}
	if lastLen > EncryptedChapterSize {
		return Header{}, nil, formatError("body longer than declared chapters")
	}

	chapters := make([][]byte, 0, n)
	for i := uint64(0); i < n-1; i++ {
		chapters = append(chapters, body[i*EncryptedChapterSize:(i+1)*EncryptedChapterSize])
	}
	chapters = append(chapters, body[fullLen:])

	return h, chapters, nil
}

// encryptReader produces container bytes from a plaintext stream of known size.
type encryptReader struct {
	src       io.Reader
	cipher    *ChapterCipher
	remaining int64
	next      uint64
	chunk     []byte
	pending   []byte
	suffixed  bool
	err       error
}

// NewEncryptReader streams a container for size bytes of plaintext. The size
// must be known up front because it fixes the chapter count in the header.
// The reader fails if src yields more or fewer bytes than size.
func NewEncryptReader(mode CipherMode, fileKey []byte, h Header, src io.Reader, size int64) (io.Reader, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative plaintext size %d", size)
	}
	if h.ChapterCount != ChapterCount(size) {
		return nil, fmt.Errorf("header declares %d chapters, size %d needs %d", h.ChapterCount, size, ChapterCount(size))
	}

	c, err := NewChapterCipher(mode, fileKey, h.BaseNonce, h.ChapterCount)
	if err != nil {
		return nil, err
	}

	header, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &encryptReader{
		src:       src,
		cipher:    c,
		remaining: size,
		chunk:     make([]byte, ChapterSize),
		pending:   header,
	}, nil
}

func (r *encryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *encryptReader) fill() {
	if r.next < r.cipher.Count() {
		n := int64(ChapterSize)
		if r.remaining < n {
			n = r.remaining
		}

		if _, err := io.ReadFull(r.src, r.chunk[:n]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = fmt.Errorf("read chapter %d: %w", r.next, err)
			return
		}

		sealed, err := r.cipher.Seal(r.next, r.chunk[:n])
		if err != nil {
			r.err = err
			return
		}

		r.pending = sealed
		r.remaining -= n
		r.next++
		return
	}

	if !r.suffixed {
		var probe [1]byte
		if n, _ := io.ReadFull(r.src, probe[:]); n > 0 {
			r.err = errors.New("plaintext longer than declared size")
			return
		}
		r.pending = magicSuffix
		r.suffixed = true
		return
	}

	Wipe(r.chunk)
	r.err = io.EOF
}

// Decoder reads a container one chapter at a time.
type Decoder struct {
	r      *bufio.Reader
	header Header
	next   uint64
	done   bool
}

// NewDecoder reads and verifies the header from r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	br := bufio.NewReaderSize(r, EncryptedChapterSize+MagicSize)

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, &ContainerFormatError{Reason: "truncated header", Err: err}
	}

	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	return &Decoder{r: br, header: h}, nil
}

// Header returns the verified header.
func (d *Decoder) Header() Header {
	return d.header
}

// Next returns the next raw chapter and its index. After the last chapter it
// verifies the suffix and returns io.EOF. A container that ends early, lacks
// its suffix, or has trailing bytes yields a ContainerFormatError.
func (d *Decoder) Next() (uint64, []byte, error) {
	if d.done {
		return 0, nil, io.EOF
	}

	i := d.next
	if i < d.header.ChapterCount-1 {
		chapter := make([]byte, EncryptedChapterSize)
		if _, err := io.ReadFull(d.r, chapter); err != nil {
			return 0, nil, &ContainerFormatError{Reason: fmt.Sprintf("chapter %d truncated", i), Err: err}
		}
		d.next++
		return i, chapter, nil
	}

	if i > d.header.ChapterCount-1 {
		return 0, nil, io.EOF
	}

	// Last chapter: whatever remains, minus the suffix.
	tail, err := io.ReadAll(io.LimitReader(d.r, EncryptedChapterSize+MagicSize+1))
	if err != nil {
		return 0, nil, &ContainerFormatError{Reason: "read last chapter", Err: err}
	}
	if len(tail) > EncryptedChapterSize+MagicSize {
		return 0, nil, formatError("trailing data after last chapter")
	}
	if len(tail) < TagSize+MagicSize {
		return 0, nil, formatError(fmt.Sprintf("chapter %d truncated", i))
	}
	if !bytes.Equal(tail[len(tail)-MagicSize:], magicSuffix) {
		return 0, nil, formatError("missing magic suffix")
	}

	d.next++
	d.done = true
	return i, tail[:len(tail)-MagicSize], nil
}

// DecryptStream authenticates every chapter from src and writes the plaintext
// to dst. Chapters are written as they verify, so callers that must not expose
// partial output should write to a spool and commit only on a nil error.
func DecryptStream(dst io.Writer, src io.Reader, mode CipherMode, fileKey func(fileSalt []byte) ([]byte, error)) (int64, error) {
	dec, err := NewDecoder(src)
	if err != nil {
		return 0, err
	}

	h := dec.Header()
	key, err := fileKey(h.FileSalt)
	if err != nil {
		return 0, err
	}
	defer Wipe(key)

	c, err := NewChapterCipher(mode, key, h.BaseNonce, h.ChapterCount)
	if err != nil {
		return 0, err
	}

	var written int64
	for {
		i, chapter, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		pt, err := c.Open(i, chapter)
		if err != nil {
			return written, err
		}

		n, err := dst.Write(pt)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chapter %d: %w", i, err)
		}
	}
}
