package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := events.Discard()

	ctx := events.WithLogger(context.Background(), logger)
	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	ctx := events.WithRequestID(context.Background(), "req-123")

	assert.Equal(t, "req-123", events.GetRequestID(ctx))
	assert.NotNil(t, events.FromContext(ctx))
}

func TestWithBucket(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithBucket(ctx, "holiday-photos")
	assert.Equal(t, "holiday-photos", events.GetBucket(ctx))

	events.FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"bucket":"holiday-photos"`)
}

func TestGetRequestIDEmpty(t *testing.T) {
	assert.Empty(t, events.GetRequestID(context.Background()))
	assert.Empty(t, events.GetBucket(context.Background()))
}

func TestSetDefault(t *testing.T) {
	original := events.FromContext(context.Background())
	defer events.SetDefault(original)

	customLogger := events.Discard()
	events.SetDefault(customLogger)

	assert.Same(t, customLogger, events.FromContext(context.Background()))
}
