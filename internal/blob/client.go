// Package blob talks to the document vault's blob storage API: fetching
// provider-stored attachment content and uploading finished artifact bytes
// through presigned URLs. The pipeline never writes files directly.
package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Error types for blob operations.
var (
	ErrNotFound         = errors.New("blob not found")
	ErrForbidden        = errors.New("forbidden")
	ErrServerFail       = errors.New("server error")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrInvalidResponse  = errors.New("invalid response")
)

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultMaxFetchBytes caps a single attachment download.
const DefaultMaxFetchBytes = int64(32 * 1024 * 1024)

// AttachmentFetcher downloads provider-stored attachment content by URL.
type AttachmentFetcher struct {
	httpClient HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	sleepFunc  func(time.Duration)
	maxBytes   int64
}

// NewAttachmentFetcher creates an AttachmentFetcher with default settings.
func NewAttachmentFetcher(httpClient HTTPDoer) *AttachmentFetcher {
	return &AttachmentFetcher{
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		sleepFunc:  time.Sleep,
		maxBytes:   DefaultMaxFetchBytes,
	}
}

// Fetch downloads attachment content from the provider storage URL, retrying
// server errors with exponential backoff.
func (c *AttachmentFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	maxAttempts := c.maxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Sleep before retry (not before first attempt)
		if attempt > 0 && c.sleepFunc != nil && c.baseDelay > 0 {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			c.sleepFunc(delay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, ErrNotFound
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, ErrForbidden
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = ErrServerFail
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > c.maxBytes {
			return nil, ErrInvalidResponse
		}
		return body, nil
	}

	return nil, lastErr
}
