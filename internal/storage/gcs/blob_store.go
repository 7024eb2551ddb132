// Package gcs provides a snapshot BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrExists is returned when an object is already stored at the path.
var ErrExists = errors.New("object already exists")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config selects the bucket and object attributes.
type Config struct {
	Bucket string
	// CacheControl is set on every uploaded object when non-empty.
	CacheControl string
}

// BlobStore writes snapshot documents to one bucket. Uploads are
// create-only and carry a CRC32C checksum the service verifies.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		cacheControl: cfg.CacheControl,
	}, nil
}

// PutObject uploads data and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	obj := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = s.cacheControl
	w.CRC32C = crc32.Checksum(data, castagnoli)
	w.SendCRC32C = true
	w.Metadata = map[string]string{"producer": "netcollector"}

	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w", path, uploadError(closeErr))
		}
		return "", fmt.Errorf("upload %s: %w", path, uploadError(err))
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, uploadError(err))
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// uploadError maps a failed create-only precondition onto ErrExists.
func uploadError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrExists
	}
	return err
}
