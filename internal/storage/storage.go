package storage

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

type Bucket interface {
	Get(ctx context.Context, key string) (data []byte, err error)
	Store(ctx context.Context, key string, data []byte) (err error)
	Delete(ctx context.Context, prefix string) (err error)
	List(ctx context.Context, prefix string) (keys []string, err error)
	Close() error
}

type bucket struct {
	bucket *blob.Bucket
}

// Open opens a bucket from a gocloud URL (file://, s3://, gs://). A value
// without a scheme is a local directory.
func Open(ctx context.Context, url string) (Bucket, error) {
	if !strings.Contains(url, "://") {
		return NewLocal(url)
	}

	b, err := blob.OpenBucket(ctx, url)

	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", url)
	}

	return &bucket{bucket: b}, nil
}

// NewLocal opens a directory as a bucket, creating it if needed.
func NewLocal(path string) (Bucket, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, "create bucket directory")
	}

	b, err := fileblob.OpenBucket(path, nil)

	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", path)
	}

	return &bucket{bucket: b}, nil
}

func (b *bucket) Get(ctx context.Context, key string) ([]byte, error) {
	return b.bucket.ReadAll(ctx, key)
}

func (b *bucket) Store(ctx context.Context, key string, data []byte) error {
	return b.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{})
}

// Delete removes every object whose key starts with prefix.
func (b *bucket) Delete(ctx context.Context, prefix string) error {
	keys, err := b.List(ctx, prefix)

	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := b.bucket.Delete(ctx, key); err != nil && !IsNotFound(err) {
			return err
		}
	}

	return nil
}

func (b *bucket) List(ctx context.Context, prefix string) ([]string, error) {
	iter := b.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	var keys []string

	for {
		obj, err := iter.Next(ctx)

		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, err
		}

		if obj.IsDir {
			continue
		}

		keys = append(keys, obj.Key)
	}

	return keys, nil
}

func (b *bucket) Close() error {
	return b.bucket.Close()
}

func IsNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
