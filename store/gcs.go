package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type ObjectInfo struct {
	Size        int64
	ContentType string
}

var ErrObjectNotFound = errors.New("object not found")

// SourceStorage is the secondary origin objects are pulled from.
type SourceStorage interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	NewReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// NewRangeReader reads length bytes starting at offset.
	NewRangeReader(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
}

type GCSSourceStorageImpl struct {
	client *storage.Client
}

// NewGCSClient builds a storage client from a service account key file, an
// emulator endpoint, or application default credentials.
func NewGCSClient(ctx context.Context, credentialsFile, endpoint string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return client, nil
}

func NewGCSSourceStorageImpl(client *storage.Client) *GCSSourceStorageImpl {
	return &GCSSourceStorageImpl{client: client}
}

func (g *GCSSourceStorageImpl) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	attrs, err := g.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ObjectInfo{}, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to read attrs of gs://%s/%s: %w", bucket, key, err)
	}

	return ObjectInfo{
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
	}, nil
}

func (g *GCSSourceStorageImpl) NewReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, key, err)
	}
	return r, nil
}

func (g *GCSSourceStorageImpl) NewRangeReader(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}

	r, err := g.client.Bucket(bucket).Object(key).NewRangeReader(ctx, offset, length)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open range %d+%d of gs://%s/%s: %w", offset, length, bucket, key, err)
	}
	return r, nil
}

func (g *GCSSourceStorageImpl) Close() error {
	return g.client.Close()
}
