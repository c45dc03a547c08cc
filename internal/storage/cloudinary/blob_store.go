// Package cloudinary provides a BlobStore backed by the Cloudinary upload API.
package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// Config holds the account credentials.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
}

// Uploader is the subset of the Cloudinary upload API used here.
type Uploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

// BlobStore writes artifacts as Cloudinary image assets.
type BlobStore struct {
	upload Uploader
}

// New creates a Cloudinary client from cfg.
func New(cfg Config) (*BlobStore, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloud name, api key and api secret are required")
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("create cloudinary client: %w", err)
	}
	return NewWithUploader(&cld.Upload)
}

// NewWithUploader wires a BlobStore around an existing upload API.
func NewWithUploader(upload Uploader) (*BlobStore, error) {
	if upload == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	return &BlobStore{upload: upload}, nil
}

// Store uploads data into folder with a public ID derived from name and
// returns the asset's secure URL.
func (s *BlobStore) Store(ctx context.Context, data []byte, folder, name, _ string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	overwrite := true
	resp, err := s.upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       folder,
		PublicID:     strings.TrimSuffix(name, path.Ext(name)),
		ResourceType: "image",
		Overwrite:    &overwrite,
	})
	if err != nil {
		return "", fmt.Errorf("cloudinary upload: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("cloudinary upload: empty response")
	}
	if resp.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload: %s", resp.Error.Message)
	}
	if resp.SecureURL == "" {
		return "", fmt.Errorf("cloudinary upload: response missing secure url")
	}
	return resp.SecureURL, nil
}
