package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the S3-compatible backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO stores objects in a single bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the endpoint and creates the bucket when missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required when MEDIA_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "daoist-videos"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, clean, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *MinIO) PutFile(ctx context.Context, key, localPath, contentType string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = m.client.FPutObject(ctx, m.bucket, clean, localPath, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *MinIO) Open(ctx context.Context, key string) (*Object, error) {
	info, err := m.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, info.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	return &Object{ReadSeekCloser: obj, Info: info}, nil
}

func (m *MinIO) Stat(ctx context.Context, key string) (Info, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return Info{}, err
	}
	oi, err := m.client.StatObject(ctx, m.bucket, clean, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, translate(err)
	}
	return objectInfo(oi), nil
}

func (m *MinIO) Fetch(ctx context.Context, key, dst string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	return translate(m.client.FGetObject(ctx, m.bucket, clean, dst, minio.GetObjectOptions{}))
}

func (m *MinIO) Delete(ctx context.Context, key string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	return translate(m.client.RemoveObject(ctx, m.bucket, clean, minio.RemoveObjectOptions{}))
}

func (m *MinIO) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	for oi := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    cleanPrefix(prefix),
		Recursive: true,
	}) {
		if oi.Err != nil {
			return nil, oi.Err
		}
		out = append(out, objectInfo(oi))
	}
	return out, nil
}

func (m *MinIO) Usage(ctx context.Context, prefix string) (int64, error) {
	infos, err := m.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return sumSizes(infos), nil
}

func objectInfo(oi minio.ObjectInfo) Info {
	return Info{
		Key:         oi.Key,
		Size:        oi.Size,
		ModTime:     oi.LastModified.UTC(),
		ContentType: oi.ContentType,
	}
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrNotFound
	}
	return err
}

var _ Store = (*MinIO)(nil)
