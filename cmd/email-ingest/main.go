// Package main implements the email ingest webhook Lambda handler.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/myhometech/email-ingest/internal/blob"
	"github.com/myhometech/email-ingest/internal/convert"
	cloudengine "github.com/myhometech/email-ingest/internal/convert/cloud"
	localengine "github.com/myhometech/email-ingest/internal/convert/local"
	"github.com/myhometech/email-ingest/internal/decision"
	"github.com/myhometech/email-ingest/internal/document"
	"github.com/myhometech/email-ingest/internal/flagstore"
	"github.com/myhometech/email-ingest/internal/mail"
	"github.com/myhometech/email-ingest/internal/metrics"
	"github.com/myhometech/email-ingest/internal/pipeline"
	"github.com/myhometech/email-ingest/internal/report"
	"github.com/myhometech/email-ingest/internal/sanitize"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Processor runs one inbound email to a terminal state.
type Processor interface {
	ProcessEmail(ctx context.Context, email *mail.InboundEmail) (*pipeline.Outcome, error)
}

// Fetcher downloads provider-stored attachment content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// handler implements the webhook logic.
type handler struct {
	processor Processor
	fetcher   Fetcher
}

// newHandler creates a new handler.
func newHandler(processor Processor, fetcher Fetcher) *handler {
	return &handler{
		processor: processor,
		fetcher:   fetcher,
	}
}

// ingestResponse is the webhook response body.
type ingestResponse struct {
	JobID string       `json:"jobId,omitempty"`
	State string       `json:"state,omitempty"`
	Units []unitStatus `json:"units,omitempty"`
	Error string       `json:"error,omitempty"`
}

type unitStatus struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// handle processes one provider webhook delivery.
func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := otel.Tracer("email-ingest")
	ctx, span := tracer.Start(ctx, "EmailIngestHandler")
	defer span.End()

	body := request.Body
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return respond(http.StatusBadRequest, ingestResponse{Error: "body is not valid base64"}), nil
		}
		body = string(decoded)
	}

	values, err := url.ParseQuery(body)
	if err != nil {
		return respond(http.StatusBadRequest, ingestResponse{Error: "body is not a form payload"}), nil
	}

	email, remote, err := mail.ParseForm(values)
	if err != nil {
		logger.WarnContext(ctx, "Rejected webhook payload", slog.String("error", err.Error()))
		// Unroutable mail is permanent: tell the provider not to redeliver.
		if errors.Is(err, mail.ErrMissingRecipient) || errors.Is(err, mail.ErrInvalidTenant) {
			return respond(http.StatusNotAcceptable, ingestResponse{Error: err.Error()}), nil
		}
		return respond(http.StatusBadRequest, ingestResponse{Error: err.Error()}), nil
	}

	if err := h.fetchRemote(ctx, email, remote); err != nil {
		logger.ErrorContext(ctx, "Failed to fetch provider attachment",
			slog.String("tenant_id", email.TenantID),
			slog.String("error", err.Error()),
		)
		// Retryable: the provider redelivers and the content may be back.
		return respond(http.StatusInternalServerError, ingestResponse{Error: "attachment fetch failed"}), nil
	}

	outcome, err := h.processor.ProcessEmail(ctx, email)
	if err != nil {
		logger.ErrorContext(ctx, "Email processing failed",
			slog.String("tenant_id", email.TenantID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, ingestResponse{Error: "processing failed"}), nil
	}

	resp := ingestResponse{JobID: outcome.JobID, State: outcome.State}
	for _, u := range outcome.Units {
		resp.Units = append(resp.Units, unitStatus{
			Kind:     string(u.Kind),
			Filename: u.Filename,
			Status:   u.Reason.UserVisibleStatus(),
		})
	}
	return respond(http.StatusOK, resp), nil
}

// fetchRemote resolves provider-stored attachment content before processing.
func (h *handler) fetchRemote(ctx context.Context, email *mail.InboundEmail, remote []mail.RemoteAttachment) error {
	for _, r := range remote {
		content, err := h.fetcher.Fetch(ctx, r.URL)
		if err != nil {
			return err
		}
		email.Attachments = append(email.Attachments, mail.Attachment{
			Filename: r.Name,
			MIME:     r.ContentType,
			Size:     int64(len(content)),
			Content:  content,
		})
	}
	return nil
}

// engineOverrideFromEnv validates the optional engine override. A typo here
// must fail startup, not silently degrade every email to originals-only.
func engineOverrideFromEnv(value string) (convert.Engine, error) {
	switch engine := convert.Engine(value); engine {
	case "", convert.EngineCloud, convert.EngineLocal:
		return engine, nil
	default:
		return "", fmt.Errorf("unknown conversion engine override %q", value)
	}
}

func respond(status int, body ingestResponse) events.APIGatewayV2HTTPResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusInternalServerError}
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(payload),
	}
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	// Load config from environment
	tableName := os.Getenv("DOCUMENT_TABLE_NAME")
	vaultAPIURL := os.Getenv("VAULT_API_URL")
	convertAPIURL := os.Getenv("CONVERT_API_URL")
	convertAPIKey := os.Getenv("CONVERT_API_KEY")
	engineOverride, err := engineOverrideFromEnv(os.Getenv("CONVERSION_ENGINE_OVERRIDE"))
	if err != nil {
		logger.Error("FATAL: Invalid conversion engine override", slog.String("error", err.Error()))
		panic(err)
	}
	summaryQueueURL := os.Getenv("SUMMARY_QUEUE_URL")
	failureQueueURL := os.Getenv("FAILURE_QUEUE_URL")

	// Initialize AWS config
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dynamodb.NewFromConfig(cfg)
	repo := document.NewRepository(dynamoClient, tableName)
	flags := flagstore.New(dynamoClient, tableName)

	// SigV4-signed client for vault API calls, plain client for presigned PUTs
	// and provider attachment downloads.
	baseTransport := otelhttp.NewTransport(http.DefaultTransport)
	signedClient := &http.Client{Transport: blob.NewSigV4Transport(baseTransport, cfg.Credentials, cfg.Region)}
	plainClient := &http.Client{Transport: baseTransport}

	uploader := blob.NewPresignedUploadClient(vaultAPIURL, signedClient, plainClient)
	fetcher := blob.NewAttachmentFetcher(plainClient)
	builder := document.NewBuilder(repo, uploader)

	engines := map[convert.Engine]convert.Converter{
		convert.EngineCloud: cloudengine.New(convertAPIURL, convertAPIKey, plainClient),
		convert.EngineLocal: localengine.New(),
	}

	var recorder metrics.Recorder = metrics.NopRecorder{}
	var reporter report.Reporter = report.NopReporter{}
	if summaryQueueURL != "" || failureQueueURL != "" {
		sqsClient := sqs.NewFromConfig(cfg)
		if summaryQueueURL != "" {
			recorder = metrics.NewSQSRecorder(sqsClient, summaryQueueURL, logger)
		}
		if failureQueueURL != "" {
			reporter = report.NewSQSReporter(sqsClient, failureQueueURL, logger)
		}
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Sanitizer: sanitize.New(),
		Engines:   engines,
		Builder:   builder,
		Recorder:  recorder,
		Reporter:  reporter,
		Flags:     flags,
		Policy:    decision.Config{GlobalEngineOverride: engineOverride},
		Logger:    logger,
	})

	h := newHandler(orchestrator, fetcher)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
