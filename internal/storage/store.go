package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrObjectNotFound is returned when a named object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists is returned by PutIfAbsent when the name is taken.
	ErrObjectExists = errors.New("object already exists")

	// ErrObjectChanged is returned by PutIfMatch when the object was replaced,
	// deleted or never existed.
	ErrObjectChanged = errors.New("object changed since it was read")

	// ErrChecksumMismatch is returned when stored bytes do not match the declared SHA1.
	ErrChecksumMismatch = errors.New("content checksum mismatch")
)

// ObjectStore is a flat namespace of named objects with string metadata,
// scoped to one bucket. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Bucket returns the bucket this store writes to.
	Bucket() string

	// Put stores size bytes from body under name, replacing any existing
	// object. A non-empty contentSHA1 (hex) is verified against the bytes
	// received; a mismatch stores nothing and yields ErrChecksumMismatch.
	Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (ObjectInfo, error)

	// PutIfAbsent stores data only if name is unused, else ErrObjectExists.
	PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (ObjectInfo, error)

	// PutIfMatch replaces name with data only if the stored object still has
	// the given revision, else ErrObjectChanged.
	PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (ObjectInfo, error)

	// Get opens an object for reading. The caller closes the reader.
	Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)

	// List returns every object whose name starts with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name       string            `json:"name"`
	ID         string            `json:"id"`
	Revision   string            `json:"revision,omitempty"` // Changes on every write; see PutIfMatch
	Size       int64             `json:"size"`
	SHA1       string            `json:"sha1"`
	Info       map[string]string `json:"info,omitempty"`
	UploadedAt time.Time         `json:"uploadedAt"`
}

// SHA1Hex returns the lowercase hex SHA1 of data.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// copyInfo returns an independent copy of a metadata map.
func copyInfo(info map[string]string) map[string]string {
	if len(info) == 0 {
		return nil
	}
	out := make(map[string]string, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}

// readBody reads exactly size bytes from body and checks the declared SHA1.
func readBody(body io.Reader, size int64, contentSHA1 string) ([]byte, string, error) {
	if size < 0 {
		return nil, "", errors.New("negative object size")
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(body, data); err != nil {
		return nil, "", err
	}

	var probe [1]byte
	if n, _ := body.Read(probe[:]); n > 0 {
		return nil, "", errors.New("body longer than declared size")
	}

	sum := SHA1Hex(data)
	if contentSHA1 != "" && !strings.EqualFold(contentSHA1, sum) {
		return nil, "", ErrChecksumMismatch
	}
	return data, sum, nil
}
