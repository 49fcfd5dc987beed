package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// Download fetches plainPath, authenticates every chapter and checks the
// plaintext SHA1 before anything is written to dst.
func (s *Service) Download(ctx context.Context, keys crypto.Provider, plainPath string, dst io.Writer) (*models.FileVersion, error) {
	sp := newSpool(s.tempDir, s.spoolInMemory)
	defer sp.Close()

	fv, err := s.fetch(ctx, keys, plainPath, sp)
	if err != nil {
		return nil, err
	}

	plain, err := sp.Reader()
	if err != nil {
		return nil, s.fail("download", models.ErrCodeStorage, plainPath, err)
	}
	if _, err := io.Copy(dst, plain); err != nil {
		return nil, s.fail("download", models.ErrCodeStorage, plainPath, fmt.Errorf("write output: %w", err))
	}

	return fv, nil
}

// DownloadToFile downloads plainPath into localPath. The file only appears
// once the content has been verified; a failed download leaves nothing behind.
func (s *Service) DownloadToFile(ctx context.Context, keys crypto.Provider, plainPath, localPath string) (*models.FileVersion, error) {
	const op = "download"

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".tmp-*")
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	fv, err := s.fetch(ctx, keys, plainPath, tmp)
	if err != nil {
		return nil, err
	}

	if err := tmp.Sync(); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("sync file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("close file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("chmod file: %w", err))
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, fmt.Errorf("rename file: %w", err))
	}
	success = true

	if mt, ok := modTime(fv.Info); ok {
		if err := os.Chtimes(localPath, mt, mt); err != nil {
			s.log(ctx).WithError(err).WithField("path", localPath).Warn("Failed to set modification time")
		}
	}

	return fv, nil
}

// fetch decrypts plainPath into w and verifies length and SHA1. w may hold
// unverified plaintext when an error is returned.
func (s *Service) fetch(ctx context.Context, keys crypto.Provider, plainPath string, w io.Writer) (*models.FileVersion, error) {
	const op = "download"

	storedName, err := keys.ObfuscatePath(plainPath)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}

	body, oi, err := s.store.Get(ctx, storedName)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPath, err)
	}
	defer body.Close()

	mode, err := contentMode(oi)
	if err != nil {
		return nil, s.fail(op, errorCode(err), plainPath, err)
	}

	written, err := s.decrypt(ctx, keys, plainPath, mode, w, body)
	if err != nil {
		return nil, s.fail(op, errorCode(err), plainPath, err)
	}

	if err := s.verify(plainPath, oi, written); err != nil {
		return nil, s.fail(op, errorCode(err), plainPath, err)
	}

	s.log(ctx).WithFields(map[string]interface{}{
		"stored_name": storedName,
		"size":        written,
		"mode":        mode,
	}).Debug("Downloaded file")

	return fileVersion(plainPath, oi), nil
}

// decrypt streams body through the chapter decryptor, hashing the plaintext.
func (s *Service) decrypt(ctx context.Context, keys crypto.Provider, plainPath string, mode crypto.CipherMode, w io.Writer, body io.Reader) (*hashingWriter, error) {
	hw := newHashingWriter(w)
	if _, err := keys.DecryptStream(hw, contextReader{ctx: ctx, r: body}, mode); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &models.DecryptError{Path: plainPath, Reason: "content", Err: err}
	}
	return hw, nil
}

// verify compares the decrypted plaintext with src_length and src_sha1.
func (s *Service) verify(plainPath string, oi storage.ObjectInfo, hw *hashingWriter) error {
	if raw, ok := oi.Info[models.InfoSourceLength]; ok {
		if want, err := strconv.ParseInt(raw, 10, 64); err == nil && want != hw.n {
			return &models.IntegrityError{
				Path:     plainPath,
				Expected: raw + " bytes",
				Actual:   strconv.FormatInt(hw.n, 10) + " bytes",
			}
		}
	}

	if !s.verifyChecksum {
		return nil
	}

	want, ok := oi.Info[models.InfoSourceSHA1]
	if !ok {
		s.logger.WithField("path", plainPath).Warn("Object has no plaintext checksum")
		return nil
	}

	if got := hw.SHA1(); !strings.EqualFold(got, want) {
		return &models.IntegrityError{Path: plainPath, Expected: want, Actual: got}
	}
	return nil
}

// contentMode reads and checks the encryption metadata of an object.
func contentMode(oi storage.ObjectInfo) (crypto.CipherMode, error) {
	raw, ok := oi.Info[models.InfoEncryptionMode]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrNotEncryptedObject, oi.Name)
	}

	mode, err := crypto.ParseContentMode(raw)
	if err != nil {
		return "", err
	}

	switch mode {
	case crypto.ModeChaptersAES128GCM, crypto.ModeChaptersChaCha20Poly1305:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", crypto.ErrUnsupportedMode, raw)
	}
}

// nameMode checks name_encryption_mode, defaulting to the only known mode.
func nameMode(oi storage.ObjectInfo) error {
	raw, ok := oi.Info[models.InfoNameEncryptionMode]
	if !ok {
		return nil
	}
	_, err := crypto.ParseNameMode(raw)
	return err
}

var errNoPathMetadata = errors.New("object has no encrypted path")
