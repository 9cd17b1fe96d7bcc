package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultRegion = "us-east-1"

// MinIOConfig addresses an S3 compatible bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore keeps objects in a MinIO bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects and creates the bucket when it does not exist yet.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: bucket check %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: defaultRegion}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (Info, error) {
	if !validName(name) {
		return Info{}, ErrNotFound
	}
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	uploaded, err := s.client.PutObject(ctx, s.bucket, name, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Info{}, fmt.Errorf("blobstore: minio put %s: %w", name, err)
	}
	return Info{Name: name, Size: uploaded.Size, ModifiedAt: uploaded.LastModified, ContentType: contentType}, nil
}

func (s *MinIOStore) Stat(ctx context.Context, name string) (Info, error) {
	if !validName(name) {
		return Info{}, ErrNotFound
	}
	object, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, mapMinIOError(name, err)
	}
	return objectInfo(name, object), nil
}

func (s *MinIOStore) Open(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	if !validName(name) {
		return nil, Info{}, ErrNotFound
	}
	object, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, mapMinIOError(name, err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, Info{}, mapMinIOError(name, err)
	}
	return object, objectInfo(name, stat), nil
}

func (s *MinIOStore) Delete(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrNotFound
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return mapMinIOError(name, err)
	}
	return nil
}

func objectInfo(name string, object minio.ObjectInfo) Info {
	contentType := object.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	return Info{Name: name, Size: object.Size, ModifiedAt: object.LastModified.UTC(), ContentType: contentType}
}

func mapMinIOError(name string, err error) error {
	response := minio.ToErrorResponse(err)
	if response.Code == "NoSuchKey" || response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("blobstore: minio %s: %w", name, err)
}
