package crypto_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
)

func BenchmarkEncryptReader(b *testing.B) {
	for _, mode := range []crypto.CipherMode{crypto.ModeChaptersAES128GCM, crypto.ModeChaptersChaCha20Poly1305} {
		b.Run(mode.String(), func(b *testing.B) {
			key := fileKey(b, mode)
			plaintext := randomBytes(b, 1<<20)
			b.SetBytes(int64(len(plaintext)))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				r, err := crypto.NewEncryptReader(mode, key, zeroHeader(int64(len(plaintext))), bytes.NewReader(plaintext), int64(len(plaintext)))
				if err != nil {
					b.Fatal(err)
				}
				if _, err := io.Copy(io.Discard, r); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkDecryptStream(b *testing.B) {
	container, key := buildContainer(b, crypto.ModeChaptersAES128GCM, randomBytes(b, 1<<20))
	b.SetBytes(1 << 20)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := crypto.DecryptStream(io.Discard, bytes.NewReader(container), crypto.ModeChaptersAES128GCM, decryptWithKey(key)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkObfuscatePath(b *testing.B) {
	o := crypto.NewPathObfuscator([]byte("salt"), 0)
	for i := 0; i < b.N; i++ {
		if _, err := o.ObfuscatePath("photos/2024/summer/kittens/fluffy.jpg"); err != nil {
			b.Fatal(err)
		}
	}
}
