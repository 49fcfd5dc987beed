package models

import (
	"path"
	"strings"
	"time"
)

// Object metadata keys written next to every encrypted object.
const (
	InfoEncryptedFileName    = "encrypted_file_name"
	InfoEncryptedFilePath    = "encrypted_file_path"
	InfoEncryptionMode       = "encryption_mode"
	InfoNameEncryptionMode   = "name_encryption_mode"
	InfoSourceSHA1           = "src_sha1"
	InfoSourceLength         = "src_length"
	InfoSourceModifiedMillis = "src_last_modified_millis"
)

// ReservedInfoKeys may not be supplied by callers as user metadata.
var ReservedInfoKeys = map[string]bool{
	InfoEncryptedFileName:  true,
	InfoEncryptedFilePath:  true,
	InfoEncryptionMode:     true,
	InfoNameEncryptionMode: true,
	InfoSourceSHA1:         true,
	InfoSourceLength:       true,
}

// FileVersion is the client-side view of one stored encrypted object.
type FileVersion struct {
	ID            string            `json:"id"`
	Path          string            `json:"path"`           // Plaintext path
	StoredName    string            `json:"stored_name"`    // Obfuscated object name
	Size          int64             `json:"size"`           // Plaintext length
	EncryptedSize int64             `json:"encrypted_size"` // Container length
	SHA1          string            `json:"sha1"`           // Plaintext SHA1, hex
	ContentMode   string            `json:"content_mode"`
	Info          map[string]string `json:"info,omitempty"` // User metadata
	UploadedAt    time.Time         `json:"uploaded_at"`
}

// Name returns the leaf file name.
func (f *FileVersion) Name() string {
	return path.Base(f.Path)
}

// NormalizePath cleans a slash-separated object path without a leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// SplitPath returns the components of a normalized path.
func SplitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
