// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// PublicBaseURL, when set, replaces the gs:// URI with an HTTP URL,
	// e.g. https://storage.googleapis.com/<bucket>.
	PublicBaseURL string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Store uploads data to folder/name in the bucket and returns its URL.
// Object names carry a content digest, so objects are written as immutable.
func (s *BlobStore) Store(ctx context.Context, data []byte, folder, name, contentType string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	object := path.Join(folder, name)
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = immutableCacheControl
	// Single-request upload; images are bounded by the upload limit.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write gs://%s/%s: %w (close: %v)", s.bucket, object, err, closeErr)
		}
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, object, err)
	}
	return s.url(object), nil
}

func (s *BlobStore) url(object string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + object
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object)
}
