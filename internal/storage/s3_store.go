package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string // Custom endpoint for S3-compatible services
	UsePathStyle bool
	Prefix       string // Key prefix inside the bucket
}

// S3Store keeps a bucket in Amazon S3 or an S3-compatible service.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *events.Logger
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates a store using the default AWS credential chain.
func NewS3Store(ctx context.Context, opts S3Options, logger *events.Logger) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return NewS3StoreWithClient(client, opts, logger), nil
}

// NewS3StoreWithClient creates a store over an existing client.
func NewS3StoreWithClient(client S3API, opts S3Options, logger *events.Logger) *S3Store {
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &S3Store{
		client: client,
		bucket: opts.Bucket,
		prefix: prefix,
		logger: logger.WithFields(map[string]interface{}{"component": "s3_store", "bucket": opts.Bucket}),
	}
}

// Bucket implements ObjectStore.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Put implements ObjectStore. The SHA1 travels as the S3 checksum so the
// service rejects bytes that were altered in transit.
func (s *S3Store) Put(ctx context.Context, name string, body io.Reader, size int64, contentSHA1 string, info map[string]string) (ObjectInfo, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      copyInfo(info),
	}
	if contentSHA1 != "" {
		checksum, err := hexToBase64(contentSHA1)
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
		}
		input.ChecksumSHA1 = aws.String(checksum)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, mapS3Error(err))
	}

	s.logger.WithFields(map[string]interface{}{
		"key":  aws.ToString(input.Key),
		"size": size,
	}).Debug("Wrote object to S3")

	return ObjectInfo{
		Name:     name,
		ID:       objectID(out.VersionId, out.ETag),
		Revision: aws.ToString(out.ETag),
		Size:     size,
		SHA1:     strings.ToLower(contentSHA1),
		Info:     copyInfo(info),
	}, nil
}

// PutIfAbsent implements ObjectStore with a conditional write (If-None-Match: *).
func (s *S3Store) PutIfAbsent(ctx context.Context, name string, data []byte, info map[string]string) (ObjectInfo, error) {
	sum := SHA1Hex(data)
	checksum, _ := hexToBase64(sum)

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ChecksumSHA1:  aws.String(checksum),
		Metadata:      copyInfo(info),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, mapS3Error(err))
	}

	s.logger.WithField("key", s.key(name)).Debug("Created object in S3")

	return ObjectInfo{
		Name:     name,
		ID:       objectID(out.VersionId, out.ETag),
		Revision: aws.ToString(out.ETag),
		Size:     int64(len(data)),
		SHA1:     sum,
		Info:     copyInfo(info),
	}, nil
}

// PutIfMatch implements ObjectStore with a conditional write (If-Match) on
// the ETag read earlier.
func (s *S3Store) PutIfMatch(ctx context.Context, name string, data []byte, info map[string]string, revision string) (ObjectInfo, error) {
	if revision == "" {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectChanged)
	}

	sum := SHA1Hex(data)
	checksum, _ := hexToBase64(sum)

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ChecksumSHA1:  aws.String(checksum),
		Metadata:      copyInfo(info),
		IfMatch:       aws.String(revision),
	})
	if err != nil {
		err = mapS3Error(err)
		// 412 on a stale ETag, 404 when the object is gone
		if errors.Is(err, ErrObjectExists) || errors.Is(err, ErrObjectNotFound) {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", name, ErrObjectChanged)
		}
		return ObjectInfo{}, fmt.Errorf("put %s: %w", name, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":  s.key(name),
		"etag": aws.ToString(out.ETag),
	}).Debug("Replaced object in S3")

	return ObjectInfo{
		Name:     name,
		ID:       objectID(out.VersionId, out.ETag),
		Revision: aws.ToString(out.ETag),
		Size:     int64(len(data)),
		SHA1:     sum,
		Info:     copyInfo(info),
	}, nil
}

// Get implements ObjectStore.
func (s *S3Store) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.key(name)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", name, mapS3Error(err))
	}

	oi := ObjectInfo{
		Name:       name,
		ID:         objectID(out.VersionId, out.ETag),
		Revision:   aws.ToString(out.ETag),
		Size:       aws.ToInt64(out.ContentLength),
		SHA1:       base64ToHex(aws.ToString(out.ChecksumSHA1)),
		Info:       lowerKeys(out.Metadata),
		UploadedAt: aws.ToTime(out.LastModified),
	}
	return out.Body, oi, nil
}

// List implements ObjectStore. Listing does not return user metadata, so
// each object is also read with HeadObject.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	var out []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", mapS3Error(err))
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket:       aws.String(s.bucket),
				Key:          aws.String(key),
				ChecksumMode: types.ChecksumModeEnabled,
			})
			if err != nil {
				if errors.Is(mapS3Error(err), ErrObjectNotFound) {
					// Deleted between list and head.
					continue
				}
				return nil, fmt.Errorf("s3 head object %s: %w", key, mapS3Error(err))
			}

			out = append(out, ObjectInfo{
				Name:       strings.TrimPrefix(key, s.prefix),
				ID:         objectID(head.VersionId, head.ETag),
				Revision:   aws.ToString(head.ETag),
				Size:       aws.ToInt64(obj.Size),
				SHA1:       base64ToHex(aws.ToString(head.ChecksumSHA1)),
				Info:       lowerKeys(head.Metadata),
				UploadedAt: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete implements ObjectStore.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		err = mapS3Error(err)
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) key(name string) string {
	return s.prefix + name
}

// mapS3Error translates S3 error codes into store errors, keeping the
// original error in the chain.
func mapS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", ErrObjectExists, err)
		case "BadDigest", "InvalidDigest", "XAmzContentChecksumMismatch":
			return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
	}
	return err
}

func objectID(versionID, etag *string) string {
	if v := aws.ToString(versionID); v != "" && v != "null" {
		return v
	}
	return strings.Trim(aws.ToString(etag), `"`)
}

func hexToBase64(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != 20 {
		return "", fmt.Errorf("invalid SHA1 %q", h)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func base64ToHex(b string) string {
	if b == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(b)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
