package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/smithy-go"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

// RetryStore retries transient failures of another store with exponential
// backoff. Put is retried only when its body can be rewound.
type RetryStore struct {
	ObjectStore

	maxRetries int
	retryDelay time.Duration
	logger     *events.Logger
}

var _ ObjectStore = (*RetryStore)(nil)

// NewRetryStore wraps store. maxRetries of zero disables retrying.
func NewRetryStore(store ObjectStore, maxRetries int, retryDelay time.Duration, logger *events.Logger) *RetryStore {
	return &RetryStore{
		ObjectStore: store,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		logger:      logger.WithField("bucket", store.Bucket()),
	}
}

func (r *RetryStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (ObjectInfo, error) {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return r.ObjectStore.Put(ctx, name, body, size, contentSHA1, info)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return r.ObjectStore.Put(ctx, name, body, size, contentSHA1, info)
	}

	var oi ObjectInfo
	attempt := 0
	err = r.retry(ctx, "put", name, func() error {
		if attempt > 0 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return permanent{err}
			}
		}
		attempt++

		var err error
		oi, err = r.ObjectStore.Put(ctx, name, body, size, contentSHA1, info)
		return err
	})
	return oi, err
}

func (r *RetryStore) PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (ObjectInfo, error) {
	var oi ObjectInfo
	err := r.retry(ctx, "put", name, func() error {
		var err error
		oi, err = r.ObjectStore.PutIfAbsent(ctx, name, data, info)
		return err
	})
	return oi, err
}

// PutIfMatch retries like the other writes. If a lost response hides a
// successful attempt, the retry reports ErrObjectChanged.
func (r *RetryStore) PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (ObjectInfo, error) {
	var oi ObjectInfo
	err := r.retry(ctx, "put", name, func() error {
		var err error
		oi, err = r.ObjectStore.PutIfMatch(ctx, name, data, info, revision)
		return err
	})
	return oi, err
}

func (r *RetryStore) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	var (
		rc io.ReadCloser
		oi ObjectInfo
	)
	err := r.retry(ctx, "get", name, func() error {
		var err error
		rc, oi, err = r.ObjectStore.Get(ctx, name)
		return err
	})
	return rc, oi, err
}

func (r *RetryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := r.retry(ctx, "list", prefix, func() error {
		var err error
		out, err = r.ObjectStore.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *RetryStore) Delete(ctx context.Context, name string) error {
	return r.retry(ctx, "delete", name, func() error {
		return r.ObjectStore.Delete(ctx, name)
	})
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
func (r *RetryStore) retry(ctx context.Context, op, name string, fn func() error) error {
	var lastErr error
	delay := r.retryDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			r.logger.WithFields(map[string]interface{}{
				"op":      op,
				"name":    name,
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Debug("Retrying store operation")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	if r.maxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", op, name, r.maxRetries+1, lastErr)
}

// IsRetryable reports whether err may succeed on another attempt. Store
// outcomes and client-side request faults are final.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrObjectNotFound),
		errors.Is(err, ErrObjectExists),
		errors.Is(err, ErrObjectChanged),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return false
	}
	return true
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
