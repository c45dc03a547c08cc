// Package client submits images to the grayscale job service and polls their
// status until a terminal state is reached.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

const (
	defaultFieldName   = "imageFile"
	defaultHTTPTimeout = 30 * time.Second
	notFoundCode       = "not_found"
)

// ErrJobNotFound means the server no longer knows the job: it was never
// issued, was evicted, or the server restarted.
var ErrJobNotFound = errors.New("job not found")

// APIError is an unexpected HTTP response from the service.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	JobID      string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Status is the client-side view of a job record.
type Status struct {
	JobID          string            `json:"jobId"`
	Status         imaging.JobStatus `json:"status"`
	OriginalURL    string            `json:"originalUrl,omitempty"`
	TransformedURL string            `json:"transformedUrl,omitempty"`
	ErrorKind      imaging.ErrorKind `json:"errorKind,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFieldName overrides the multipart field carrying the image.
func WithFieldName(name string) Option {
	return func(c *Client) { c.fieldName = name }
}

// Client talks to the upload and status endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	fieldName  string
}

// New constructs a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		fieldName:  defaultFieldName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit uploads an image and returns the assigned job ID.
func (c *Client) Submit(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(c.fieldName, filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", errors.New("upload response is missing jobId")
	}
	return out.JobID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	endpoint := c.baseURL + "/upload?" + url.Values{"jobId": {jobID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}
	var out Status
	if err := c.do(req, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == notFoundCode {
			return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return Status{}, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Details string `json:"details"`
			Code    string `json:"code"`
			JobID   string `json:"jobId"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
			if payload.Details != "" {
				apiErr.Message += ": " + payload.Details
			}
			apiErr.Code = payload.Code
			apiErr.JobID = payload.JobID
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
