// Package cloud implements the convert.Converter contract against the remote
// conversion API.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/myhometech/email-ingest/internal/convert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Error types for cloud conversion.
var (
	ErrNoCredentials   = errors.New("cloud engine credentials not configured")
	ErrInvalidResponse = errors.New("invalid conversion response")
)

// DefaultRequestTimeout bounds one conversion API round trip so a hung
// backend cannot hold the invocation until its deadline.
const DefaultRequestTimeout = 60 * time.Second

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client submits conversion batches to the remote API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPDoer
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-batch request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a cloud conversion client. An empty baseURL or apiKey leaves
// the client unconfigured; Submit then fails with a configuration error
// without attempting a network call.
func New(baseURL, apiKey string, httpClient HTTPDoer, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		timeout:    DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the engine for provenance records.
func (c *Client) Name() convert.Engine { return convert.EngineCloud }

// jobItem is one input in the wire format of the conversion API.
type jobItem struct {
	CorrelationID string `json:"correlationId"`
	Kind          string `json:"kind"`
	Filename      string `json:"filename"`
	MIME          string `json:"mime,omitempty"`
	HTML          string `json:"html,omitempty"`
	ContentBase64 string `json:"contentBase64,omitempty"`
}

// jobRequest is the batch submission body.
type jobRequest struct {
	OutputFormat string    `json:"outputFormat"`
	Items        []jobItem `json:"items"`
}

// jobArtifact is one converted output in the API response.
type jobArtifact struct {
	CorrelationID string            `json:"correlationId"`
	Filename      string            `json:"filename"`
	ContentBase64 string            `json:"contentBase64"`
	Metadata      map[string]string `json:"metadata"`
}

// jobResponse is the API response for a completed batch.
type jobResponse struct {
	JobID     string        `json:"jobId"`
	Artifacts []jobArtifact `json:"artifacts"`
}

// Submit converts a batch of inputs via the remote API. Batch-level failures
// are returned as *convert.EngineError; Submit never retries on its own.
func (c *Client) Submit(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, convert.NewConfigurationError(convert.EngineCloud, ErrNoCredentials)
	}

	tracer := otel.Tracer("email-ingest-convert")
	ctx, span := tracer.Start(ctx, "cloud.Submit",
		trace.WithAttributes(attribute.Int("convert.batch_size", len(inputs))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(buildRequest(inputs))
	if err != nil {
		return nil, &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindFatal,
			Reason: convert.ReasonError, Err: err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindFatal,
			Reason: convert.ReasonError, Err: err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindTransient,
			Reason: convert.ReasonError, Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if engErr := classifyStatus(resp.StatusCode); engErr != nil {
		span.RecordError(engErr)
		return nil, engErr
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindFatal,
			Reason: convert.ReasonError, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err),
		}
	}
	span.SetAttributes(attribute.String("convert.job_id", job.JobID))

	result := &convert.SubmitResult{JobID: job.JobID}
	for _, a := range job.Artifacts {
		content, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return nil, &convert.EngineError{
				Engine: convert.EngineCloud, Kind: convert.KindFatal,
				Reason: convert.ReasonError,
				Err:    fmt.Errorf("%w: artifact %q: %v", ErrInvalidResponse, a.Filename, err),
			}
		}
		result.Artifacts = append(result.Artifacts, convert.Artifact{
			CorrelationID:  a.CorrelationID,
			Filename:       a.Filename,
			Bytes:          content,
			EngineMetadata: a.Metadata,
		})
	}
	return result, nil
}

// buildRequest maps inputs into the wire format.
func buildRequest(inputs []convert.Input) jobRequest {
	req := jobRequest{OutputFormat: "pdf", Items: make([]jobItem, 0, len(inputs))}
	for _, in := range inputs {
		item := jobItem{
			CorrelationID: in.CorrelationID,
			Kind:          string(in.Kind),
			Filename:      in.Filename,
		}
		if in.Kind == convert.KindHTML {
			item.HTML = in.HTML
		} else {
			item.MIME = in.MIME
			item.ContentBase64 = base64.StdEncoding.EncodeToString(in.Buffer)
		}
		req.Items = append(req.Items, item)
	}
	return req
}

// classifyStatus maps an HTTP status to the closed engine error taxonomy.
func classifyStatus(status int) *convert.EngineError {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindConfiguration,
			HTTPStatus: status, Reason: convert.ReasonError,
			Err: fmt.Errorf("credentials rejected with status %d", status),
		}
	case status == http.StatusTooManyRequests:
		return &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindRateLimited,
			HTTPStatus: status, Reason: convert.ReasonError, Retryable: true,
			Err: fmt.Errorf("rate limited with status %d", status),
		}
	case status >= 500:
		return &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindTransient,
			HTTPStatus: status, Reason: convert.ReasonError, Retryable: true,
			Err: fmt.Errorf("conversion API returned status %d", status),
		}
	default:
		return &convert.EngineError{
			Engine: convert.EngineCloud, Kind: convert.KindFatal,
			HTTPStatus: status, Reason: convert.ReasonError,
			Err: fmt.Errorf("conversion API rejected batch with status %d", status),
		}
	}
}
