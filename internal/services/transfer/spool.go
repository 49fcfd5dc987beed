package transfer

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
)

// spool buffers a stream so it can be read again after it has been fully
// produced. Small streams stay in memory; larger ones spill to a temp file.
// The SHA1 of everything written is tracked on the way in.
type spool struct {
	dir   string
	limit int64

	buf  bytes.Buffer
	file *os.File
	size int64
	hash hash.Hash
}

func newSpool(dir string, limit int64) *spool {
	return &spool{dir: dir, limit: limit, hash: sha1.New()}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.buf.Len()+len(p)) > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.hash.Write(p[:n])
	s.size += int64(n)
	return n, err
}

func (s *spool) spill() error {
	f, err := os.CreateTemp(s.dir, "bucketcrypt-spool-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write spool file: %w", err)
	}
	crypto.Wipe(s.buf.Bytes())
	s.buf.Reset()
	s.file = f
	return nil
}

// Size is the number of bytes written.
func (s *spool) Size() int64 {
	return s.size
}

// SHA1 is the hex digest of the bytes written.
func (s *spool) SHA1() string {
	return hex.EncodeToString(s.hash.Sum(nil))
}

// Reader rewinds the spool for reading.
func (s *spool) Reader() (io.ReadSeeker, error) {
	if s.file == nil {
		return bytes.NewReader(s.buf.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return s.file, nil
}

// Close wipes the memory buffer and removes any temp file.
func (s *spool) Close() error {
	crypto.Wipe(s.buf.Bytes())
	s.buf.Reset()

	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rerr := os.Remove(name); err == nil && rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	s.file = nil
	return err
}
