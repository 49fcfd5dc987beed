package transfer

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
)

// hashingWriter counts and hashes what passes through it.
type hashingWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, hash: sha1.New()}
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.hash.Write(p[:n])
	h.n += int64(n)
	return n, err
}

// SHA1 returns the hex digest of the bytes written.
func (h *hashingWriter) SHA1() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}
