package transfer

import (
	"context"
	"fmt"
	"sort"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

// List returns the files under plainPrefix, sorted by plaintext path. A
// prefix ending in "/" lists a folder; "" lists the whole bucket. Objects
// without encryption metadata are skipped.
func (s *Service) List(ctx context.Context, keys crypto.Provider, plainPrefix string) ([]*models.FileVersion, error) {
	const op = "list"

	hashedPrefix, err := keys.ObfuscatePrefix(plainPrefix)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPrefix, err)
	}

	objects, err := s.store.List(ctx, hashedPrefix)
	if err != nil {
		return nil, s.fail(op, models.ErrCodeStorage, plainPrefix, err)
	}

	files := make([]*models.FileVersion, 0, len(objects))
	for _, oi := range objects {
		if oi.Name == models.ControlObjectName {
			continue
		}

		plainPath, err := s.plainPath(keys, oi)
		if err == errNoPathMetadata {
			s.log(ctx).WithField("stored_name", oi.Name).Debug("Skipping object without encryption metadata")
			continue
		}
		if err != nil {
			return nil, s.fail(op, models.ErrCodeDecryption, plainPrefix, err)
		}

		files = append(files, fileVersion(plainPath, oi))
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

// plainPath recovers and checks the plaintext path of a listed object.
func (s *Service) plainPath(keys crypto.Provider, oi storage.ObjectInfo) (string, error) {
	encPath, ok := oi.Info[models.InfoEncryptedFilePath]
	if !ok {
		return "", errNoPathMetadata
	}

	if err := nameMode(oi); err != nil {
		return "", err
	}

	plainPath, err := keys.DecryptName(encPath)
	if err != nil {
		return "", &models.DecryptError{Path: oi.Name, Reason: "file path", Err: err}
	}

	// The decrypted path must hash back to the object's name
	expected, err := keys.ObfuscatePath(plainPath)
	if err != nil {
		return "", &models.DecryptError{Path: oi.Name, Reason: "file path", Err: err}
	}
	if expected != oi.Name {
		return "", &models.DecryptError{
			Path:   oi.Name,
			Reason: "file path",
			Err:    fmt.Errorf("%w: path metadata belongs to another object", models.ErrIntegrityCheckFail),
		}
	}

	return plainPath, nil
}

// Delete removes plainPath from the bucket.
func (s *Service) Delete(ctx context.Context, keys crypto.Provider, plainPath string) error {
	storedName, err := keys.ObfuscatePath(plainPath)
	if err != nil {
		return s.fail("delete", models.ErrCodeStorage, plainPath, err)
	}

	if err := s.store.Delete(ctx, storedName); err != nil {
		return s.fail("delete", models.ErrCodeStorage, plainPath, err)
	}

	s.log(ctx).WithField("stored_name", storedName).Debug("Deleted file")
	return nil
}
