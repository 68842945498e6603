package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// StorageService provides an interface for cloud storage operations.
// This interface enables mocking and testing of storage functionality.
type StorageService interface {
	// WriteObject stores data under bucket/object, replacing any previous content.
	WriteObject(ctx context.Context, bucket, object string, data []byte, contentType string) error

	// ReadObject downloads the bytes of a gs:// URI.
	ReadObject(ctx context.Context, uri string) ([]byte, error)

	Close() error
}

// GCSStorage is the StorageService backed by Google Cloud Storage.
// It assumes Application Default Credentials are configured.
type GCSStorage struct {
	client *storage.Client
}

// NewGCSStorage creates a storage client.
func NewGCSStorage(ctx context.Context) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorage{client: client}, nil
}

// WriteObject implements StorageService.
func (s *GCSStorage) WriteObject(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write GCS object %s/%s: %w", bucket, object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s/%s: %w", bucket, object, err)
	}
	return nil
}

// ReadObject implements StorageService.
func (s *GCSStorage) ReadObject(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: reading bytes: %w", err)
	}
	return data, nil
}

// Close implements StorageService.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// ParseURI splits gs://bucket/path/to/object into bucket and object path.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
