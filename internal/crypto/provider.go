package crypto

import (
	"bytes"
	"fmt"
	"io"
)

var fileNameKeySalt = []byte("filename")

// KeyringOptions tunes a Keyring.
type KeyringOptions struct {
	// ContentMode for new uploads; DefaultContentMode when empty.
	ContentMode CipherMode

	// MaxPathBytes is the store's object name limit; DefaultMaxPathBytes when zero.
	MaxPathBytes int
}

// Keyring holds a bucket's unlocked master key and the keys derived from it.
// It is immutable after construction and safe for concurrent use.
type Keyring struct {
	kdf         KDF
	master      []byte
	pathSecret  []byte
	names       *NameCipher
	obfuscator  *PathObfuscator
	contentMode CipherMode
}

var _ Provider = (*Keyring)(nil)

// NewKeyring derives the path-hash secret and file-name key from masterKey.
// Every derivation uses the bucket's single iteration count.
func NewKeyring(masterKey, pathHashSalt []byte, iterations int, opts KeyringOptions) (*Keyring, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(masterKey))
	}

	mode := opts.ContentMode
	if mode == "" {
		mode = DefaultContentMode
	}
	if _, err := ParseContentMode(string(mode)); err != nil {
		return nil, err
	}

	kdf := NewKDF(iterations)

	pathSecret, err := kdf.Derive(masterKey, pathHashSalt, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive path secret: %w", err)
	}

	nameKey, err := kdf.Derive(masterKey, fileNameKeySalt, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive file name key: %w", err)
	}
	defer Wipe(nameKey)

	names, err := NewNameCipher(nameKey)
	if err != nil {
		return nil, err
	}

	return &Keyring{
		kdf:         kdf,
		master:      append([]byte(nil), masterKey...),
		pathSecret:  pathSecret,
		names:       names,
		obfuscator:  NewPathObfuscator(pathSecret, opts.MaxPathBytes),
		contentMode: mode,
	}, nil
}

// ContentMode implements Provider.
func (k *Keyring) ContentMode() CipherMode {
	return k.contentMode
}

// ObfuscatePath implements Provider.
func (k *Keyring) ObfuscatePath(plainPath string) (string, error) {
	return k.obfuscator.ObfuscatePath(plainPath)
}

// ObfuscatePrefix implements Provider.
func (k *Keyring) ObfuscatePrefix(plainPrefix string) (string, error) {
	return k.obfuscator.ObfuscatePrefix(plainPrefix)
}

// EncryptName implements Provider.
func (k *Keyring) EncryptName(name string) (string, error) {
	return k.names.Encrypt(name)
}

// DecryptName implements Provider.
func (k *Keyring) DecryptName(encrypted string) (string, error) {
	return k.names.Decrypt(encrypted)
}

// FileKey derives the content key for one file.
func (k *Keyring) FileKey(mode CipherMode, fileSalt []byte) ([]byte, error) {
	size := mode.KeySize()
	if size == 0 || mode == NameModeAES256GCM {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, string(mode))
	}
	return k.kdf.Derive(k.master, fileSalt, size)
}

// NewHeader draws a fresh file salt and base nonce for a plaintext of size bytes.
func NewHeader(size int64) (Header, error) {
	salt, err := GenerateKey(FileSaltSize)
	if err != nil {
		return Header{}, err
	}
	nonce, err := GenerateKey(NonceSize)
	if err != nil {
		return Header{}, err
	}
	return Header{FileSalt: salt, BaseNonce: nonce, ChapterCount: ChapterCount(size)}, nil
}

// NewEncryptReader implements Provider.
func (k *Keyring) NewEncryptReader(src io.Reader, size int64) (*EncryptedStream, error) {
	h, err := NewHeader(size)
	if err != nil {
		return nil, err
	}

	key, err := k.FileKey(k.contentMode, h.FileSalt)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	r, err := NewEncryptReader(k.contentMode, key, h, src, size)
	if err != nil {
		return nil, err
	}

	return &EncryptedStream{
		Reader: r,
		Header: h,
		Mode:   k.contentMode,
		Size:   EncryptedSize(size),
	}, nil
}

// DecryptStream implements Provider.
func (k *Keyring) DecryptStream(dst io.Writer, src io.Reader, mode CipherMode) (int64, error) {
	return DecryptStream(dst, src, mode, func(fileSalt []byte) ([]byte, error) {
		return k.FileKey(mode, fileSalt)
	})
}

// EncryptFile seals a whole plaintext into a container in memory.
func (k *Keyring) EncryptFile(plaintext []byte) ([]byte, error) {
	h, err := NewHeader(int64(len(plaintext)))
	if err != nil {
		return nil, err
	}

	key, err := k.FileKey(k.contentMode, h.FileSalt)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	chapters, err := EncryptChapters(k.contentMode, key, h.BaseNonce, plaintext)
	if err != nil {
		return nil, err
	}
	return Serialize(h, chapters)
}

// DecryptFile opens a whole container in memory.
func (k *Keyring) DecryptFile(container []byte, mode CipherMode) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := k.DecryptStream(&buf, bytes.NewReader(container), mode); err != nil {
		Wipe(buf.Bytes())
		return nil, err
	}
	if buf.Len() == 0 {
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}

// Wipe implements Provider.
func (k *Keyring) Wipe() {
	Wipe(k.master)
	Wipe(k.pathSecret)
	Wipe(k.obfuscator.salt)
	k.names.Wipe()
}
