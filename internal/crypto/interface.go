package crypto

import "io"

// Provider is the unlocked key material of one bucket, as used by the
// transfer pipeline.
type Provider interface {
	// ContentMode is the mode new uploads are sealed with.
	ContentMode() CipherMode

	// ObfuscatePath maps a plaintext object path to its stored name.
	ObfuscatePath(plainPath string) (string, error)

	// ObfuscatePrefix maps a plaintext folder prefix to a listing prefix.
	ObfuscatePrefix(plainPrefix string) (string, error)

	// EncryptName and DecryptName protect the plaintext path kept in object metadata.
	EncryptName(name string) (string, error)
	DecryptName(encrypted string) (string, error)

	// NewEncryptReader streams a container for size bytes read from src.
	NewEncryptReader(src io.Reader, size int64) (*EncryptedStream, error)

	// DecryptStream authenticates a container from src and writes plaintext to dst.
	DecryptStream(dst io.Writer, src io.Reader, mode CipherMode) (int64, error)

	// Wipe clears all key material. The provider must not be used afterwards.
	Wipe()
}

// EncryptedStream is a container being produced from a plaintext stream.
type EncryptedStream struct {
	io.Reader
	Header Header
	Mode   CipherMode
	Size   int64 // Container length
}
