package testutil

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/config"
	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

// TestIterations keeps key derivation fast in tests.
const TestIterations = 1000

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// RandomBytes returns n random bytes.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// NewKeyring unlocks a keyring over a fresh random master key.
func NewKeyring(t testing.TB, mode crypto.CipherMode) *crypto.Keyring {
	t.Helper()

	keyring, err := crypto.NewKeyring(
		RandomBytes(t, crypto.KeySize),
		RandomBytes(t, 16),
		TestIterations,
		crypto.KeyringOptions{ContentMode: mode},
	)
	require.NoError(t, err)
	t.Cleanup(keyring.Wipe)
	return keyring
}

// TestConfigWithDir creates a test configuration rooted at dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "local"
	cfg.Storage.Bucket = "test-bucket"
	cfg.Storage.DataDir = dataDir
	cfg.Storage.LocalRoot = filepath.Join(dataDir, "buckets")
	cfg.Storage.TempDir = filepath.Join(dataDir, "temp")
	cfg.Crypto.Iterations = TestIterations
	cfg.State.Dir = filepath.Join(dataDir, "state")
	cfg.Auth.CredentialsFile = filepath.Join(dataDir, "credentials.json")
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	return cfg
}

// SampleFiles provides plaintext files for transfer tests.
var SampleFiles = map[string]string{
	"photos/kittens/fluffy.jpg":  "not really a jpeg",
	"photos/kittens/mittens.jpg": "also not a jpeg",
	"photos/puppies/rex.jpg":     "woof",
	"docs/report.txt":            "Quarterly report\n\nRevenue went up.\nCosts went down.\n",
	"docs/empty.txt":             "",
	"readme.md":                  "# Top level file\n",
}

// SampleBinaryFile spans three chapters.
func SampleBinaryFile() []byte {
	data := make([]byte, 2*crypto.ChapterSize+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
