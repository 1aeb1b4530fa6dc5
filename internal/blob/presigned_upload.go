package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PresignedUploadClient stores bytes in the vault using a two-step presigned
// URL flow:
// 1. POST /storage/allocate to get a blobID + presigned PUT URL
// 2. PUT the body directly to the presigned URL
type PresignedUploadClient struct {
	baseURL      string   // vault API base URL
	signedClient HTTPDoer // SigV4-signed client for the allocate POST
	plainClient  HTTPDoer // Plain client for presigned URL PUT (no signing)
}

// NewPresignedUploadClient creates a new PresignedUploadClient.
func NewPresignedUploadClient(baseURL string, signedClient, plainClient HTTPDoer) *PresignedUploadClient {
	return &PresignedUploadClient{
		baseURL:      baseURL,
		signedClient: signedClient,
		plainClient:  plainClient,
	}
}

// allocateRequest is the body of the allocate call.
type allocateRequest struct {
	TenantID    string `json:"tenantId"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

// allocateResponse holds the vault's allocation result.
type allocateResponse struct {
	BlobID string `json:"blobId"`
	URL    string `json:"url"`
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	reader    io.Reader
	bytesRead int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	cr.bytesRead += int64(n)
	return n, err
}

// Upload stores the body in the vault and returns the blob id and byte count.
func (c *PresignedUploadClient) Upload(ctx context.Context, tenantID, filename, contentType string, body io.Reader) (string, int64, error) {
	tracer := otel.Tracer("email-ingest-blob")
	ctx, span := tracer.Start(ctx, "blob.PresignedUpload",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("blob.filename", filename),
			attribute.String("blob.content_type", contentType),
		))
	defer span.End()

	blobID, presignedURL, err := c.allocate(ctx, tenantID, filename, contentType)
	if err != nil {
		span.RecordError(err)
		return "", 0, err
	}

	cr := &countingReader{reader: body}
	if err := c.putToPresignedURL(ctx, presignedURL, contentType, cr); err != nil {
		span.RecordError(err)
		return "", 0, err
	}

	return blobID, cr.bytesRead, nil
}

// allocate asks the vault for a blob id and presigned PUT URL.
func (c *PresignedUploadClient) allocate(ctx context.Context, tenantID, filename, contentType string) (string, string, error) {
	bodyBytes, err := json.Marshal(allocateRequest{
		TenantID:    tenantID,
		ContentType: contentType,
		Filename:    filename,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	url := c.baseURL + "/storage/allocate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.signedClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrServerFail, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("%w: allocate returned status %d", ErrServerFail, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("%w: allocate returned status %d", ErrInvalidArguments, resp.StatusCode)
	}

	var allocated allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&allocated); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if allocated.BlobID == "" || allocated.URL == "" {
		return "", "", fmt.Errorf("%w: allocate response missing blobId or url", ErrInvalidResponse)
	}

	return allocated.BlobID, allocated.URL, nil
}

// putToPresignedURL PUTs the body to the presigned URL.
func (c *PresignedUploadClient) putToPresignedURL(ctx context.Context, presignedURL, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.plainClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerFail, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: presigned PUT returned status %d", ErrServerFail, resp.StatusCode)
	}
	return nil
}
