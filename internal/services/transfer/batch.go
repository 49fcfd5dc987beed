package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/bucketcrypt/internal/crypto"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

// UploadItem is one file of a batch.
type UploadItem struct {
	Path    string // Plaintext object path
	Size    int64
	Open    func() (io.ReadCloser, error)
	Options UploadOptions
}

// UploadResult reports the outcome for one item.
type UploadResult struct {
	Path string
	File *models.FileVersion
	Err  error
}

// Progress tracks batch progress.
type Progress struct {
	TotalFiles     int
	ProcessedFiles int
	FailedFiles    int
	BytesUploaded  int64
	CurrentFile    string
	StartTime      time.Time
}

// EventType defines batch event types.
type EventType string

const (
	EventFileStarted  EventType = "file_started"
	EventFileComplete EventType = "file_complete"
	EventFileError    EventType = "file_error"
)

// Event reports a change in a batch.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Path      string
	Error     error
	Progress  Progress
}

// BatchOptions configures UploadBatch.
type BatchOptions struct {
	// OnEvent is called for every event, one call at a time.
	OnEvent func(Event)
}

// LocalFileItem describes a local file to upload as plainPath.
func LocalFileItem(localPath, plainPath string) (UploadItem, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return UploadItem{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return UploadItem{}, fmt.Errorf("%s is not a regular file", localPath)
	}

	return UploadItem{
		Path: plainPath,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(localPath)
		},
		Options: UploadOptions{ModTime: info.ModTime()},
	}, nil
}

// batch tracks one UploadBatch call.
type batch struct {
	mu       sync.Mutex
	progress Progress
	onEvent  func(Event)
}

func (b *batch) emit(typ EventType, path string, err error, update func(*Progress)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if update != nil {
		update(&b.progress)
	}
	if b.onEvent != nil {
		b.onEvent(Event{
			Type:      typ,
			Timestamp: time.Now(),
			Path:      path,
			Error:     err,
			Progress:  b.progress,
		})
	}
}

// UploadBatch uploads items with at most MaxConcurrent uploads in flight.
// Results are returned in item order. Once ctx is done no new item is started
// and the remaining items report the context error.
func (s *Service) UploadBatch(ctx context.Context, keys crypto.Provider, items []UploadItem, opts BatchOptions) []UploadResult {
	if events.GetRequestID(ctx) == "" {
		ctx = events.WithRequestID(ctx, uuid.NewString())
	}
	log := s.log(ctx)

	results := make([]UploadResult, len(items))
	b := &batch{
		progress: Progress{TotalFiles: len(items), StartTime: time.Now()},
		onEvent:  opts.OnEvent,
	}

	log.WithFields(map[string]interface{}{
		"files":   len(items),
		"workers": s.maxConcurrent,
	}).Info("Starting batch upload")

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := s.maxConcurrent
	if workers > len(items) {
		workers = len(items)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.uploadItem(ctx, keys, items[i], b)
			}
		}()
	}

	next := 0
feed:
	for ; next < len(items); next++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- next:
		}
	}
	close(jobs)
	wg.Wait()

	for i := next; i < len(items); i++ {
		results[i] = UploadResult{Path: items[i].Path, Err: ctx.Err()}
	}

	b.mu.Lock()
	final := b.progress
	b.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"duration": time.Since(final.StartTime),
		"files":    final.ProcessedFiles,
		"errors":   final.FailedFiles,
		"bytes":    final.BytesUploaded,
	}).Info("Batch upload completed")

	return results
}

func (s *Service) uploadItem(ctx context.Context, keys crypto.Provider, item UploadItem, b *batch) UploadResult {
	b.emit(EventFileStarted, item.Path, nil, func(p *Progress) {
		p.CurrentFile = item.Path
	})

	fv, err := s.uploadOne(ctx, keys, item)
	if err != nil {
		s.log(ctx).WithError(err).WithField("path", item.Path).Warn("Upload failed")
		b.emit(EventFileError, item.Path, err, func(p *Progress) {
			p.FailedFiles++
		})
		return UploadResult{Path: item.Path, Err: err}
	}

	b.emit(EventFileComplete, item.Path, nil, func(p *Progress) {
		p.ProcessedFiles++
		p.BytesUploaded += fv.Size
	})
	return UploadResult{Path: item.Path, File: fv}
}

func (s *Service) uploadOne(ctx context.Context, keys crypto.Provider, item UploadItem) (*models.FileVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item.Open == nil {
		return nil, fmt.Errorf("item %s has no content", item.Path)
	}

	rc, err := item.Open()
	if err != nil {
		return nil, s.fail("upload", models.ErrCodeStorage, item.Path, err)
	}
	defer rc.Close()

	return s.Upload(ctx, keys, item.Path, rc, item.Size, item.Options)
}
