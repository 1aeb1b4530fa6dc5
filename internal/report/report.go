// Package report ships failure notifications for processed emails so
// operators can follow up on degraded runs.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Failure describes one degraded or failed email run.
type Failure struct {
	JobID           string    `json:"jobId"`
	TenantID        string    `json:"tenantId"`
	MessageID       string    `json:"messageId,omitempty"`
	AttachmentCount int       `json:"attachmentCount"`
	Stage           string    `json:"stage"`
	Detail          string    `json:"detail"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Reporter publishes failure notifications. Reporting is fire-and-forget:
// implementations never return an error to the caller.
type Reporter interface {
	ReportFailure(ctx context.Context, failure Failure)
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

const reporterQueueDepth = 64

// SQSReporter ships failures to an SQS queue from a background worker so
// reporting never blocks the pipeline. A full buffer drops the report with a
// warning rather than stalling.
type SQSReporter struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger

	pending chan Failure
	done    chan struct{}
	once    sync.Once
}

// NewSQSReporter creates a reporter and starts its dispatch worker.
func NewSQSReporter(client SQSSender, queueURL string, logger *slog.Logger) *SQSReporter {
	r := &SQSReporter{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		pending:  make(chan Failure, reporterQueueDepth),
		done:     make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// ReportFailure enqueues a failure for async delivery. It never blocks and
// never returns an error: a broken reporting queue must not fail email
// processing.
func (r *SQSReporter) ReportFailure(ctx context.Context, failure Failure) {
	if failure.OccurredAt.IsZero() {
		failure.OccurredAt = time.Now().UTC()
	}
	select {
	case r.pending <- failure:
	default:
		r.logger.Warn("failure report buffer full, dropping report",
			"jobId", failure.JobID,
			"tenantId", failure.TenantID,
			"stage", failure.Stage)
	}
}

// Close stops accepting failures and waits for queued ones to be delivered.
func (r *SQSReporter) Close() {
	r.once.Do(func() {
		close(r.pending)
		<-r.done
	})
}

func (r *SQSReporter) dispatch() {
	defer close(r.done)
	for failure := range r.pending {
		if err := r.send(failure); err != nil {
			r.logger.Error("failed to deliver failure report",
				"jobId", failure.JobID,
				"tenantId", failure.TenantID,
				"error", err)
		}
	}
}

func (r *SQSReporter) send(failure Failure) error {
	body, err := json.Marshal(failure)
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

// NopReporter discards failures. Used when no reporting queue is configured.
type NopReporter struct{}

func (NopReporter) ReportFailure(ctx context.Context, failure Failure) {}
