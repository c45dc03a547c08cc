// Package memory holds in-process job and blob stores.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore stores artifacts in-memory. With a public base URL the returned
// URLs are served by Handler; otherwise they use the memory:// scheme.
type BlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]blob
	baseURL string
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore(publicBaseURL string) *BlobStore {
	return &BlobStore{
		blobs:   make(map[string]blob),
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Store persists a copy of data under folder/name and returns its URL.
func (s *BlobStore) Store(_ context.Context, data []byte, folder, name, contentType string) (string, error) {
	key := path.Join(folder, name)
	if strings.TrimSpace(name) == "" || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid object name %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = blob{data: append([]byte(nil), data...), contentType: contentType}
	if s.baseURL == "" {
		return fmt.Sprintf("memory://%s", key), nil
	}
	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}

// Open returns a copy of the stored object and its content type.
func (s *BlobStore) Open(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[strings.TrimPrefix(key, "/")]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}

// Handler serves stored objects by key; mount it with the URL prefix stripped.
func (s *BlobStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, contentType, ok := s.Open(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		_, _ = w.Write(data)
	})
}
