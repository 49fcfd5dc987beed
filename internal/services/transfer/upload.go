package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// UploadOptions carries optional upload attributes.
type UploadOptions struct {
	// Info is stored unencrypted next to the object.
	Info map[string]string

	// ModTime is recorded as src_last_modified_millis when set.
	ModTime time.Time
}

// Upload encrypts size bytes from content and stores them under the
// obfuscated form of plainPath. The container is spooled once so the store
// receives its SHA1 up front.
func (s *Service) Upload(ctx context.Context, keys crypto.Provider, plainPath string, content io.Reader, size int64, opts UploadOptions) (*models.FileVersion, error) {
	const op = "upload"

	if size < 0 {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("negative size %d", size))
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath,
			fmt.Errorf("file size %d exceeds limit %d", size, s.maxFileSize))
	}
	for k := range opts.Info {
		if models.ReservedInfoKeys[k] {
			return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("info key %q is reserved", k))
		}
	}

	// Fails before any I/O on invalid or too deep paths
	storedName, err := keys.ObfuscatePath(plainPath)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	encName, err := keys.EncryptName(path.Base(plainPath))
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}
	encPath, err := keys.EncryptName(plainPath)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	plainHash := sha1.New()
	stream, err := keys.NewEncryptReader(io.TeeReader(content, plainHash), size)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	sp := newSpool(s.tempDir, s.spoolInMemory)
	defer sp.Close()

	if _, err := io.Copy(sp, contextReader{ctx: ctx, r: stream}); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("encrypt: %w", err))
	}
	if sp.Size() != stream.Size {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath,
			fmt.Errorf("container is %d bytes, expected %d", sp.Size(), stream.Size))
	}

	info := make(map[string]string, len(opts.Info)+7)
	for k, v := range opts.Info {
		info[k] = v
	}
	info[models.InfoEncryptedFileName] = encName
	info[models.InfoEncryptedFilePath] = encPath
	info[models.InfoEncryptionMode] = stream.Mode.String()
	info[models.InfoNameEncryptionMode] = crypto.NameModeAES256GCM.String()
	info[models.InfoSourceSHA1] = hex.EncodeToString(plainHash.Sum(nil))
	info[models.InfoSourceLength] = strconv.FormatInt(size, 10)
	if !opts.ModTime.IsZero() {
		info[models.InfoSourceModifiedMillis] = strconv.FormatInt(opts.ModTime.UnixMilli(), 10)
	}

	body, err := sp.Reader()
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	oi, err := s.store.Put(ctx, storedName, body, sp.Size(), sp.SHA1(), info)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	s.log(ctx).WithFields(map[string]interface{}{
		"stored_name":    storedName,
		"size":           size,
		"encrypted_size": oi.Size,
		"mode":           stream.Mode,
	}).Debug("Uploaded file")

	return fileVersion(plainPath, oi), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
