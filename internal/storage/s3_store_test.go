package storage_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
	checksum string
	etag     string
	modified time.Time
}

// fakeS3 is an in-memory S3 that honours conditional writes, SHA1 checksums
// and paginated listing.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	versions int
	keys     []string // Keys seen by PutObject
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), pageSize: 2}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, &smithy.GenericAPIError{Code: "IncompleteBody", Message: "length mismatch"}
	}

	sum := sha1.Sum(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	if in.ChecksumSHA1 != nil && *in.ChecksumSHA1 != checksum {
		return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "checksum mismatch"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	current, exists := f.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	if in.IfMatch != nil {
		if !exists {
			return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
		}
		if current.etag != aws.ToString(in.IfMatch) {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}

	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}
	f.versions++
	etag := `"etag-` + strconv.Itoa(f.versions) + `"`
	f.objects[key] = fakeObject{data: data, metadata: meta, checksum: checksum, etag: etag, modified: time.Now()}

	return &s3.PutObjectOutput{
		VersionId: aws.String("v" + strconv.Itoa(f.versions)),
		ETag:      aws.String(etag),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      obj.metadata,
		ChecksumSHA1:  aws.String(obj.checksum),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      obj.metadata,
		ChecksumSHA1:  aws.String(obj.checksum),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(in.ContinuationToken); token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestS3StorePrefixAndPaging(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := storage.NewS3StoreWithClient(fake, storage.S3Options{Bucket: "b", Prefix: "/photos/"}, events.Discard())

	for i := 0; i < 5; i++ {
		name := "dir/obj-" + strconv.Itoa(i)
		_, err := store.Put(ctx, name, strings.NewReader(name), int64(len(name)), "", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, "photos/dir/obj-0", fake.keys[0])

	objs, err := store.List(ctx, "dir/")
	require.NoError(t, err)
	require.Len(t, objs, 5)
	for i, oi := range objs {
		assert.Equal(t, "dir/obj-"+strconv.Itoa(i), oi.Name)
		assert.Len(t, oi.SHA1, 40)
	}
}

func TestS3StoreObjectIDs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewS3StoreWithClient(newFakeS3(), storage.S3Options{Bucket: "b"}, events.Discard())

	a, err := store.Put(ctx, "x", strings.NewReader("1"), 1, "", nil)
	require.NoError(t, err)
	b, err := store.Put(ctx, "x", strings.NewReader("2"), 1, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestS3StorePutIfMatchSendsETag(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := storage.NewS3StoreWithClient(fake, storage.S3Options{Bucket: "b"}, events.Discard())

	created, err := store.PutIfAbsent(ctx, "x", []byte("1"), nil)
	require.NoError(t, err)
	assert.Equal(t, `"etag-1"`, created.Revision)
	assert.Equal(t, "v1", created.ID)

	replaced, err := store.PutIfMatch(ctx, "x", []byte("2"), nil, created.Revision)
	require.NoError(t, err)
	assert.Equal(t, `"etag-2"`, replaced.Revision)

	_, err = store.PutIfMatch(ctx, "x", []byte("3"), nil, created.Revision)
	assert.ErrorIs(t, err, storage.ErrObjectChanged)
	assert.NotErrorIs(t, err, storage.ErrObjectExists)

	_, err = store.PutIfMatch(ctx, "gone", []byte("3"), nil, created.Revision)
	assert.ErrorIs(t, err, storage.ErrObjectChanged)
}

func TestS3StoreRejectsMalformedChecksum(t *testing.T) {
	store := storage.NewS3StoreWithClient(newFakeS3(), storage.S3Options{Bucket: "b"}, events.Discard())

	_, err := store.Put(context.Background(), "x", strings.NewReader("1"), 1, "not-hex", nil)
	assert.Error(t, err)
}
