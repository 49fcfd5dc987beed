package crypto

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

const (
	// SegmentSize is the length of one obfuscated path component.
	SegmentSize = 24

	// segmentHashBytes is how much of the SHA1 digest is kept. 18 bytes is a
	// whole number of base64 blocks, so segments carry no padding.
	segmentHashBytes = 18

	// DefaultMaxPathBytes is the object name limit paths are checked against.
	DefaultMaxPathBytes = 1000

	// Limits on plaintext names, mirroring what object stores accept.
	MaxPlainPathBytes    = 1024
	MaxPlainSegmentBytes = 250
)

// MaxDepth returns how many obfuscated segments fit in maxPathBytes.
func MaxDepth(maxPathBytes int) int {
	return (maxPathBytes + 1) / (SegmentSize + 1)
}

// PathObfuscator maps plaintext paths to prefix-preserving hashed names.
// Equal plaintext prefixes map to equal hashed prefixes under the same salt.
type PathObfuscator struct {
	salt     []byte
	maxDepth int
}

// NewPathObfuscator creates an obfuscator. maxPathBytes <= 0 means DefaultMaxPathBytes.
func NewPathObfuscator(secretSalt []byte, maxPathBytes int) *PathObfuscator {
	if maxPathBytes <= 0 {
		maxPathBytes = DefaultMaxPathBytes
	}
	return &PathObfuscator{
		salt:     append([]byte(nil), secretSalt...),
		maxDepth: MaxDepth(maxPathBytes),
	}
}

// MaxDepth returns the deepest path this obfuscator accepts.
func (o *PathObfuscator) MaxDepth() int {
	return o.maxDepth
}

// Obfuscate hashes each prefix of components. An empty list yields an empty result.
func Obfuscate(secretSalt []byte, components []string) ([]string, error) {
	return NewPathObfuscator(secretSalt, DefaultMaxPathBytes).Obfuscate(components)
}

// ObfuscatePath is Obfuscate for a slash-separated path.
func ObfuscatePath(secretSalt []byte, plainPath string) (string, error) {
	return NewPathObfuscator(secretSalt, DefaultMaxPathBytes).ObfuscatePath(plainPath)
}

// Obfuscate hashes each prefix of components. Segment i is
// urlsafe_b64(SHA1(salt || components[0] + "/" + ... + components[i])[:18]).
func (o *PathObfuscator) Obfuscate(components []string) ([]string, error) {
	if len(components) == 0 {
		return []string{}, nil
	}

	if len(components) > o.maxDepth {
		return nil, &PathTooDeepError{Depth: len(components), MaxDepth: o.maxDepth}
	}

	total := len(components) - 1
	for _, c := range components {
		if err := validateComponent(c); err != nil {
			return nil, err
		}
		total += len(c)
	}
	if total > MaxPlainPathBytes {
		return nil, &InvalidPathError{Path: strings.Join(components, "/"), Reason: "longer than 1024 bytes"}
	}

	segments := make([]string, len(components))
	var prefix strings.Builder
	for i, c := range components {
		if i > 0 {
			prefix.WriteByte('/')
		}
		prefix.WriteString(c)
		segments[i] = o.hashPrefix(prefix.String())
	}

	return segments, nil
}

// ObfuscatePath hashes a slash-separated path and joins the segments with "/".
func (o *PathObfuscator) ObfuscatePath(plainPath string) (string, error) {
	if err := ValidatePath(plainPath); err != nil {
		return "", err
	}

	segments, err := o.Obfuscate(strings.Split(plainPath, "/"))
	if err != nil {
		return "", err
	}
	return strings.Join(segments, "/"), nil
}

// ObfuscatePrefix hashes a folder prefix for listing. A trailing "/" is kept
// so the listing covers only that folder's contents; "" lists everything.
func (o *PathObfuscator) ObfuscatePrefix(plainPrefix string) (string, error) {
	if plainPrefix == "" {
		return "", nil
	}

	folder := strings.HasSuffix(plainPrefix, "/")
	hashed, err := o.ObfuscatePath(strings.TrimSuffix(plainPrefix, "/"))
	if err != nil {
		return "", err
	}
	if folder {
		hashed += "/"
	}
	return hashed, nil
}

func (o *PathObfuscator) hashPrefix(prefix string) string {
	h := sha1.New()
	h.Write(o.salt)
	h.Write([]byte(prefix))
	sum := h.Sum(nil)
	return base64.URLEncoding.EncodeToString(sum[:segmentHashBytes])
}

// ValidatePath rejects names an object store would refuse.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return &InvalidPathError{Path: p, Reason: "empty"}
	case len(p) > MaxPlainPathBytes:
		return &InvalidPathError{Path: p, Reason: "longer than 1024 bytes"}
	case strings.HasPrefix(p, "/"):
		return &InvalidPathError{Path: p, Reason: "starts with /"}
	case strings.HasSuffix(p, "/"):
		return &InvalidPathError{Path: p, Reason: "ends with /"}
	case strings.Contains(p, "//"):
		return &InvalidPathError{Path: p, Reason: "contains //"}
	}
	return nil
}

func validateComponent(c string) error {
	switch {
	case c == "":
		return &InvalidPathError{Path: c, Reason: "empty path component"}
	case len(c) > MaxPlainSegmentBytes:
		return &InvalidPathError{Path: c, Reason: "path component longer than 250 bytes"}
	case !utf8.ValidString(c):
		return &InvalidPathError{Path: c, Reason: "not valid UTF-8"}
	case strings.Contains(c, "/"):
		return &InvalidPathError{Path: c, Reason: "component contains /"}
	}

	for _, r := range c {
		if r < 0x20 || r == 0x7f {
			return &InvalidPathError{Path: c, Reason: "contains control characters"}
		}
	}
	return nil
}
