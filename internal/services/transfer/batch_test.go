package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/services/transfer"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
	"github.com/TheMichaelB/bucketcrypt/internal/testutil"
)

func memoryItem(path string, content []byte) transfer.UploadItem {
	return transfer.UploadItem{
		Path: path,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		},
	}
}

func TestUploadBatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("photos")
	cfg := transfer.DefaultConfig()
	cfg.MaxConcurrent = 3
	svc := transfer.NewService(store, cfg, testutil.NewTestLogger())
	keys := testutil.NewKeyring(t, "")

	var items []transfer.UploadItem
	for i := 0; i < 12; i++ {
		items = append(items, memoryItem(fmt.Sprintf("batch/file-%02d.txt", i), []byte(fmt.Sprintf("content %d", i))))
	}

	var mu sync.Mutex
	counts := map[transfer.EventType]int{}
	var last transfer.Progress

	results := svc.UploadBatch(ctx, keys, items, transfer.BatchOptions{
		OnEvent: func(e transfer.Event) {
			mu.Lock()
			defer mu.Unlock()
			counts[e.Type]++
			last = e.Progress
		},
	})

	require.Len(t, results, len(items))
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, items[i].Path, r.Path)
		assert.Equal(t, items[i].Path, r.File.Path)
	}

	assert.Equal(t, 12, counts[transfer.EventFileStarted])
	assert.Equal(t, 12, counts[transfer.EventFileComplete])
	assert.Equal(t, 12, last.TotalFiles)
	assert.Equal(t, 12, last.ProcessedFiles)
	assert.Zero(t, last.FailedFiles)

	listed, err := svc.List(ctx, keys, "batch/")
	require.NoError(t, err)
	assert.Len(t, listed, 12)
}

func TestUploadBatch_BoundsConcurrency(t *testing.T) {
	store := storage.NewMemoryStore("photos")
	cfg := transfer.DefaultConfig()
	cfg.MaxConcurrent = 2
	svc := transfer.NewService(store, cfg, testutil.NewTestLogger())
	keys := testutil.NewKeyring(t, "")

	var inFlight, peak atomic.Int32
	var items []transfer.UploadItem
	for i := 0; i < 8; i++ {
		content := []byte("x")
		items = append(items, transfer.UploadItem{
			Path: fmt.Sprintf("f%d", i),
			Size: 1,
			Open: func() (io.ReadCloser, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return io.NopCloser(bytes.NewReader(content)), nil
			},
		})
	}

	results := svc.UploadBatch(context.Background(), keys, items, transfer.BatchOptions{})
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestUploadBatch_PartialFailure(t *testing.T) {
	store := storage.NewMemoryStore("photos")
	svc := newService(t, store)
	keys := testutil.NewKeyring(t, "")
	openErr := errors.New("permission denied")

	items := []transfer.UploadItem{
		memoryItem("ok-1", []byte("one")),
		{Path: "broken", Size: 3, Open: func() (io.ReadCloser, error) { return nil, openErr }},
		memoryItem("//bad", []byte("bad path")),
		memoryItem("ok-2", []byte("two")),
	}

	var failed atomic.Int32
	results := svc.UploadBatch(context.Background(), keys, items, transfer.BatchOptions{
		OnEvent: func(e transfer.Event) {
			if e.Type == transfer.EventFileError {
				failed.Add(1)
				assert.Error(t, e.Error)
			}
		},
	})

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, openErr)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, int32(2), failed.Load())
	assert.Equal(t, 2, store.Len())
}

func TestUploadBatch_Canceled(t *testing.T) {
	store := storage.NewMemoryStore("photos")
	svc := newService(t, store)
	keys := testutil.NewKeyring(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []transfer.UploadItem{
		memoryItem("a", []byte("a")),
		memoryItem("b", []byte("b")),
		memoryItem("c", []byte("c")),
	}

	results := svc.UploadBatch(ctx, keys, items, transfer.BatchOptions{})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Zero(t, store.Len())
}

func TestUploadBatch_Empty(t *testing.T) {
	svc := newService(t, storage.NewMemoryStore("photos"))
	results := svc.UploadBatch(context.Background(), testutil.NewKeyring(t, ""), nil, transfer.BatchOptions{})
	assert.Empty(t, results)
}

func TestLocalFileItem(t *testing.T) {
	h := testutil.NewTestHelpers(t)
	store := storage.NewMemoryStore("photos")
	svc := newService(t, store)
	keys := testutil.NewKeyring(t, "")

	path := h.CreateTempFile("notes/todo.txt", []byte("buy milk"))
	item, err := transfer.LocalFileItem(path, "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(8), item.Size)
	assert.False(t, item.Options.ModTime.IsZero())

	results := svc.UploadBatch(context.Background(), keys, []transfer.UploadItem{item}, transfer.BatchOptions{})
	require.NoError(t, results[0].Err)

	var out bytes.Buffer
	_, err = svc.Download(context.Background(), keys, "notes/todo.txt", &out)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", out.String())

	_, err = transfer.LocalFileItem(h.TempDir(), "dir")
	assert.Error(t, err)
}

func TestUploadBatch_LogsRequestID(t *testing.T) {
	out := testutil.NewLogOutput()
	logger := events.NewTestLogger(events.DebugLevel, "json", out)
	svc := transfer.NewService(storage.NewMemoryStore("photos"), transfer.DefaultConfig(), logger)
	keys := testutil.NewKeyring(t, "")

	ctx := events.WithRequestID(context.Background(), "batch-42")
	results := svc.UploadBatch(ctx, keys, []transfer.UploadItem{memoryItem("a.txt", []byte("a"))}, transfer.BatchOptions{})
	require.NoError(t, results[0].Err)

	assert.True(t, out.HasMessage("Batch upload completed"))
	assert.True(t, out.Contains(`"request_id":"batch-42"`))
}

func TestUploadBatch_AssignsRequestID(t *testing.T) {
	out := testutil.NewLogOutput()
	logger := events.NewTestLogger(events.InfoLevel, "json", out)
	svc := transfer.NewService(storage.NewMemoryStore("photos"), transfer.DefaultConfig(), logger)
	keys := testutil.NewKeyring(t, "")

	svc.UploadBatch(context.Background(), keys, []transfer.UploadItem{memoryItem("a.txt", []byte("a"))}, transfer.BatchOptions{})

	entries := out.Entries()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.NotEmpty(t, e.Fields["request_id"], e.Message)
	}
}
