package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
	tmpDir     = "tmp"
	metaSuffix = ".json"
)

// LocalStore keeps a bucket in a directory tree. Object bytes live under
// objects/, metadata sidecars under meta/, and in-flight writes under tmp/.
type LocalStore struct {
	bucket  string
	baseDir string
	logger  *events.Logger

	// Commit and read phases are serialized so a reader never pairs new
	// metadata with old bytes.
	mu sync.RWMutex

	// Security settings
	allowSymlinks bool
	maxPathLength int
	maxFileSize   int64
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore opens (creating if needed) the bucket directory rootDir/bucket.
func NewLocalStore(rootDir, bucket string, logger *events.Logger) (*LocalStore, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}

	absPath, err := filepath.Abs(filepath.Join(rootDir, bucket))
	if err != nil {
		return nil, fmt.Errorf("resolve bucket directory: %w", err)
	}

	for _, dir := range []string{objectsDir, metaDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(absPath, dir), 0700); err != nil {
			return nil, fmt.Errorf("create bucket directory: %w", err)
		}
	}

	return &LocalStore{
		bucket:        bucket,
		baseDir:       absPath,
		logger:        logger.WithFields(map[string]interface{}{"component": "local_store", "bucket": bucket}),
		allowSymlinks: false,
		maxPathLength: 4096,
		maxFileSize:   5 * 1024 * 1024 * 1024,
	}, nil
}

// SetMaxFileSize sets the maximum object size.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// Bucket implements ObjectStore.
func (s *LocalStore) Bucket() string {
	return s.bucket
}

// Put implements ObjectStore. Bytes are staged in tmp/ and renamed into place
// only after the size and checksum check out.
func (s *LocalStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(name)
	if err != nil {
		return ObjectInfo{}, err
	}
	if size > s.maxFileSize {
		return ObjectInfo{}, fmt.Errorf("object too large: %d bytes (max: %d)", size, s.maxFileSize)
	}

	s.logger.WithFields(map[string]interface{}{
		"name": name,
		"size": size,
	}).Debug("Writing object")

	tempPath, sum, err := s.stage(ctx, body, size, contentSHA1)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
	}
	defer os.Remove(tempPath)

	oi := newLocalInfo(name, size, sum, info)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(tempPath, dataPath, metaPath, oi)
}

// PutIfMatch implements ObjectStore. The revision check and the commit happen
// under the store lock, so of several writers holding the same revision only
// one succeeds.
func (s *LocalStore) PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(name)
	if err != nil {
		return ObjectInfo{}, err
	}

	tempPath, sum, err := s.stage(ctx, bytes.NewReader(data), int64(len(data)), "")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
	}
	defer os.Remove(tempPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := os.Lstat(dataPath)
	if err != nil || !stat.Mode().IsRegular() {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectChanged)
	}
	current, err := s.readMeta(name, dataPath, metaPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	if revision == "" || current.Revision != revision {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectChanged)
	}

	oi, err := s.commit(tempPath, dataPath, metaPath, newLocalInfo(name, int64(len(data)), sum, info))
	if err != nil {
		return ObjectInfo{}, err
	}

	s.logger.WithFields(map[string]interface{}{
		"name":     name,
		"revision": oi.Revision,
	}).Debug("Replaced object")
	return oi, nil
}

// commit moves a staged file into place. The caller holds s.mu.
func (s *LocalStore) commit(tempPath, dataPath, metaPath string, oi ObjectInfo) (ObjectInfo, error) {
	if err := s.writeMeta(metaPath, oi); err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0700); err != nil {
		return ObjectInfo{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.Rename(tempPath, dataPath); err != nil {
		return ObjectInfo{}, fmt.Errorf("rename temp file: %w", err)
	}

	return cloneInfo(oi), nil
}

func newLocalInfo(name string, size int64, sum string, info map[string]string) ObjectInfo {
	id := uuid.NewString()
	return ObjectInfo{
		Name:       name,
		ID:         id,
		Revision:   id,
		Size:       size,
		SHA1:       sum,
		Info:       copyInfo(info),
		UploadedAt: time.Now().UTC(),
	}
}

// PutIfAbsent implements ObjectStore. The staged file is hard-linked into
// place, which fails atomically if the name already exists.
func (s *LocalStore) PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(name)
	if err != nil {
		return ObjectInfo{}, err
	}

	tempPath, sum, err := s.stage(ctx, bytes.NewReader(data), int64(len(data)), "")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
	}
	defer os.Remove(tempPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dataPath), 0700); err != nil {
		return ObjectInfo{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.Link(tempPath, dataPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectExists)
		}
		return ObjectInfo{}, fmt.Errorf("link object: %w", err)
	}

	oi := newLocalInfo(name, int64(len(data)), sum, info)
	if err := s.writeMeta(metaPath, oi); err != nil {
		return ObjectInfo{}, err
	}

	s.logger.WithField("name", name).Debug("Created object")
	return cloneInfo(oi), nil
}

// stage copies body into a temp file, checking size and checksum.
func (s *LocalStore) stage(ctx context.Context, body io.Reader, size int64, contentSHA1 string) (string, string, error) {
	if size < 0 {
		return "", "", errors.New("negative object size")
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	tempFile, err := os.CreateTemp(filepath.Join(s.baseDir, tmpDir), "put-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		tempFile.Close()
		if !success {
			os.Remove(tempPath)
		}
	}()

	hasher := sha1.New()
	limited := &io.LimitedReader{R: body, N: size + 1}

	written, err := io.Copy(io.MultiWriter(tempFile, hasher), limited)
	if err != nil {
		return "", "", fmt.Errorf("write stream: %w", err)
	}
	if written != size {
		return "", "", fmt.Errorf("body has %d bytes, declared %d", written, size)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if contentSHA1 != "" && !strings.EqualFold(contentSHA1, sum) {
		return "", "", ErrChecksumMismatch
	}

	if err := tempFile.Sync(); err != nil {
		return "", "", fmt.Errorf("sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	success = true
	return tempPath, sum, nil
}

func (s *LocalStore) writeMeta(metaPath string, oi ObjectInfo) error {
	data, err := json.Marshal(oi)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(metaPath), 0700); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", metaPath, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

func (s *LocalStore) readMeta(name, dataPath, metaPath string) (ObjectInfo, error) {
	data, err := os.ReadFile(metaPath)
	if err == nil {
		var oi ObjectInfo
		if err := json.Unmarshal(data, &oi); err != nil {
			return ObjectInfo{}, fmt.Errorf("decode metadata for %s: %w", name, err)
		}
		oi.Name = name
		if oi.Revision == "" {
			oi.Revision = oi.ID
		}
		return oi, nil
	}
	if !os.IsNotExist(err) {
		return ObjectInfo{}, fmt.Errorf("read metadata: %w", err)
	}

	// Object linked but metadata not yet written.
	stat, err := os.Stat(dataPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return ObjectInfo{Name: name, Size: stat.Size(), UploadedAt: stat.ModTime().UTC()}, nil
}

// Get implements ObjectStore.
func (s *LocalStore) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}

	dataPath, metaPath, err := s.paths(name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stat, err := os.Lstat(dataPath)
	switch {
	case os.IsNotExist(err):
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", name, ErrObjectNotFound)
	case err != nil:
		return nil, ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	case stat.IsDir():
		// A folder prefix, not an object
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", name, ErrObjectNotFound)
	case !s.allowSymlinks && stat.Mode()&os.ModeSymlink != 0:
		return nil, ObjectInfo{}, fmt.Errorf("symlinks not allowed: %s", name)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", name, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("open object: %w", err)
	}

	oi, err := s.readMeta(name, dataPath, metaPath)
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, err
	}

	return file, oi, nil
}

// List implements ObjectStore.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := filepath.Join(s.baseDir, objectsDir)

	// Only walk the deepest directory the prefix pins down.
	start := root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		dir, err := s.sanitizeName(prefix[:i])
		if err != nil {
			return nil, err
		}
		start = filepath.Join(root, dir)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == start {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		oi, err := s.readMeta(name, p, filepath.Join(s.baseDir, metaDir, rel+metaSuffix))
		if err != nil {
			return err
		}
		out = append(out, oi)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete implements ObjectStore.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataPath, metaPath, err := s.paths(name)
	if err != nil {
		return err
	}

	s.logger.WithField("name", name).Debug("Deleting object")

	s.mu.Lock()
	defer s.mu.Unlock()

	if stat, err := os.Lstat(dataPath); err == nil && stat.IsDir() {
		return nil
	}

	for _, p := range []string{dataPath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete object: %w", err)
		}
	}

	// Clean up empty parent directories
	s.cleanEmptyDirs(filepath.Dir(dataPath), filepath.Join(s.baseDir, objectsDir))
	s.cleanEmptyDirs(filepath.Dir(metaPath), filepath.Join(s.baseDir, metaDir))

	return nil
}

// Helper methods

func (s *LocalStore) paths(name string) (string, string, error) {
	rel, err := s.sanitizeName(name)
	if err != nil {
		return "", "", err
	}

	dataPath := filepath.Join(s.baseDir, objectsDir, rel)
	if len(dataPath) > s.maxPathLength {
		return "", "", fmt.Errorf("path too long: %d characters (max: %d)", len(dataPath), s.maxPathLength)
	}
	return dataPath, filepath.Join(s.baseDir, metaDir, rel+metaSuffix), nil
}

// sanitizeName validates an object name and converts it to a relative
// filesystem path. Names are slash-separated; empty, "." and ".." segments
// are refused rather than cleaned so two names never share a file.
func (s *LocalStore) sanitizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("invalid object name: empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid object name: contains null bytes")
	}
	if strings.ContainsRune(name, '\\') {
		return "", fmt.Errorf("invalid object name %q: contains backslash", name)
	}

	for _, part := range strings.Split(name, "/") {
		switch part {
		case "":
			return "", fmt.Errorf("invalid object name %q: empty segment", name)
		case ".", "..":
			return "", fmt.Errorf("invalid object name %q: contains '%s'", name, part)
		}
	}

	rel := filepath.FromSlash(name)
	if err := validatePlatformPath(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// validatePlatformPath checks platform-specific path restrictions.
func validatePlatformPath(path string) error {
	if runtime.GOOS != "windows" {
		return nil
	}

	// Windows reserved names
	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3",
		"LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

	for _, part := range strings.Split(path, string(filepath.Separator)) {
		upperName := strings.ToUpper(strings.TrimSuffix(part, filepath.Ext(part)))
		for _, r := range reserved {
			if upperName == r {
				return fmt.Errorf("invalid object name: contains reserved name '%s'", part)
			}
		}

		// Check for invalid characters
		for _, char := range `<>:"|?*` {
			if strings.ContainsRune(part, char) {
				return fmt.Errorf("invalid object name: contains character '%c'", char)
			}
		}
	}
	return nil
}

// cleanEmptyDirs removes empty parent directories up to stop.
func (s *LocalStore) cleanEmptyDirs(dirPath, stop string) {
	for dirPath != stop && strings.HasPrefix(dirPath, stop) {
		entries, err := os.ReadDir(dirPath)
		if err != nil || len(entries) > 0 {
			break
		}

		if err := os.Remove(dirPath); err != nil {
			break
		}

		dirPath = filepath.Dir(dirPath)
	}
}
