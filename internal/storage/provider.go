package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

// Provider is the object store used for s3:// dataset sources and for
// publishing reports and run artifacts.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	HeadObject(ctx context.Context, bucket, key string) (Object, error)

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	IterObjects(ctx context.Context, bucket, prefix string) ObjectIterator
}

// ParseS3URL splits s3://bucket/key into its bucket and key.
func ParseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid object url '%s': %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid object url '%s': scheme must be s3", raw)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid object url '%s': bucket and key are required", raw)
	}
	return u.Host, key, nil
}
