package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Recorder records conversion summaries. Recording never fails the caller:
// implementations log and swallow delivery errors.
type Recorder interface {
	Record(ctx context.Context, summary *EmailConversionSummary)
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

const recorderQueueDepth = 64

// SQSRecorder ships summaries to an SQS queue from a background worker so
// recording never blocks the pipeline. A full buffer drops the summary with a
// warning rather than stalling.
type SQSRecorder struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger

	pending chan *EmailConversionSummary
	done    chan struct{}
	once    sync.Once
}

// NewSQSRecorder creates a recorder and starts its dispatch worker.
func NewSQSRecorder(client SQSSender, queueURL string, logger *slog.Logger) *SQSRecorder {
	r := &SQSRecorder{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		pending:  make(chan *EmailConversionSummary, recorderQueueDepth),
		done:     make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// Record enqueues a summary for async delivery. It never blocks and never
// returns an error: metrics must not affect email processing.
func (r *SQSRecorder) Record(ctx context.Context, summary *EmailConversionSummary) {
	if summary.RecordedAt.IsZero() {
		summary.RecordedAt = time.Now().UTC()
	}
	select {
	case r.pending <- summary:
	default:
		r.logger.Warn("summary buffer full, dropping record",
			"jobId", summary.JobID,
			"tenantId", summary.TenantID)
	}
}

// Close stops accepting summaries and waits for queued ones to be delivered.
func (r *SQSRecorder) Close() {
	r.once.Do(func() {
		close(r.pending)
		<-r.done
	})
}

func (r *SQSRecorder) dispatch() {
	defer close(r.done)
	for summary := range r.pending {
		if err := r.send(summary); err != nil {
			r.logger.Error("failed to deliver conversion summary",
				"jobId", summary.JobID,
				"tenantId", summary.TenantID,
				"error", err)
		}
	}
}

func (r *SQSRecorder) send(summary *EmailConversionSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	bodyStr := string(body)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &r.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}

// NopRecorder discards summaries. Used when no metrics queue is configured.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, summary *EmailConversionSummary) {}
