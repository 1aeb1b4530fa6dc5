// Package main implements the document listing Lambda handler: the read-side
// companion to the ingest webhook, returning a tenant's stored documents
// newest first.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/otel"

	"github.com/myhometech/email-ingest/internal/convert"
	"github.com/myhometech/email-ingest/internal/document"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Lister reads a tenant's documents. Implemented by document.Repository.
type Lister interface {
	ListDocuments(ctx context.Context, tenantID string, limit int32) ([]*document.Document, error)
}

// handler implements the listing logic.
type handler struct {
	lister Lister
}

// listItem is one document in the response body.
type listItem struct {
	DocumentID            string         `json:"documentId"`
	Filename              string         `json:"filename"`
	MIME                  string         `json:"mime"`
	SizeBytes             int64          `json:"sizeBytes"`
	PageCount             int            `json:"pageCount,omitempty"`
	ReceivedAt            time.Time      `json:"receivedAt"`
	ConversionEngine      convert.Engine `json:"conversionEngine,omitempty"`
	DerivedFromDocumentID string         `json:"derivedFromDocumentId,omitempty"`
}

type listResponse struct {
	Documents []listItem `json:"documents"`
	Error     string     `json:"error,omitempty"`
}

// handle serves one listing request.
func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := otel.Tracer("email-ingest")
	ctx, span := tracer.Start(ctx, "DocumentListHandler")
	defer span.End()

	tenantID := request.QueryStringParameters["tenantId"]
	if _, err := uuid.Parse(tenantID); err != nil {
		return respond(http.StatusBadRequest, listResponse{Error: "tenantId must be a uuid"}), nil
	}

	limit, err := parseLimit(request.QueryStringParameters["limit"])
	if err != nil {
		return respond(http.StatusBadRequest, listResponse{Error: err.Error()}), nil
	}

	docs, err := h.lister.ListDocuments(ctx, tenantID, limit)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to list documents",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, listResponse{Error: "listing failed"}), nil
	}

	resp := listResponse{Documents: make([]listItem, 0, len(docs))}
	for _, doc := range docs {
		resp.Documents = append(resp.Documents, listItem{
			DocumentID:            doc.DocumentID,
			Filename:              doc.Filename,
			MIME:                  doc.MIME,
			SizeBytes:             doc.SizeBytes,
			PageCount:             doc.PageCount,
			ReceivedAt:            doc.ReceivedAt,
			ConversionEngine:      doc.ConversionEngine,
			DerivedFromDocumentID: doc.DerivedFromDocumentID,
		})
	}
	return respond(http.StatusOK, resp), nil
}

// parseLimit reads the optional limit parameter, clamped to maxListLimit.
func parseLimit(raw string) (int32, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return int32(limit), nil
}

func respond(status int, body listResponse) events.APIGatewayV2HTTPResponse {
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

	tableName := os.Getenv("DOCUMENT_TABLE_NAME")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	repo := document.NewRepository(dynamodb.NewFromConfig(cfg), tableName)
	h := &handler{lister: repo}
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
