// Package pipeline orchestrates one inbound email end to end: sanitize the
// body, classify attachments, resolve the engine policy, run the conversion
// batch with engine fallback, persist documents with provenance and record the
// run summary. Originals are persisted before any conversion is attempted and
// survive every failure mode short of a storage outage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/myhometech/email-ingest/internal/classify"
	"github.com/myhometech/email-ingest/internal/convert"
	"github.com/myhometech/email-ingest/internal/decision"
	"github.com/myhometech/email-ingest/internal/document"
	"github.com/myhometech/email-ingest/internal/mail"
	"github.com/myhometech/email-ingest/internal/metrics"
	"github.com/myhometech/email-ingest/internal/report"
	"github.com/myhometech/email-ingest/internal/sanitize"
)

// Terminal states for one email run.
const (
	StateConverted     = "completed_converted"
	StateOriginalsOnly = "completed_originals_only"
	stateFailed        = "failed_persistence"
)

const bodyFilename = "email-body.html"

// originalStoreConcurrency caps parallel original uploads per email.
const originalStoreConcurrency = 4

// DocumentBuilder persists originals and converted derivatives. Implemented by
// document.Builder.
type DocumentBuilder interface {
	StoreOriginal(ctx context.Context, spec document.OriginalSpec) (*document.Document, error)
	StoreDerivative(ctx context.Context, original *document.Document, input convert.Input, artifact convert.Artifact, engine convert.Engine) (*document.Document, error)
}

// UnitKind labels the two unit shapes in a run.
type UnitKind string

const (
	UnitBody       UnitKind = "body"
	UnitAttachment UnitKind = "attachment"
)

// UnitStatus is the per-unit outcome surfaced to callers. The body counts as
// one unit alongside the attachments.
type UnitStatus struct {
	Kind               UnitKind
	Filename           string
	Reason             convert.Reason
	OriginalDocumentID string
	PDFDocumentID      string
}

// Outcome is the terminal result of one email run.
type Outcome struct {
	JobID    string
	State    string
	Engine   convert.Engine
	Fallback bool
	Units    []UnitStatus
	Duration time.Duration
}

// Orchestrator runs the email conversion pipeline.
type Orchestrator struct {
	sanitizer *sanitize.Sanitizer
	engines   map[convert.Engine]convert.Converter
	builder   DocumentBuilder
	recorder  metrics.Recorder
	reporter  report.Reporter
	flags     decision.FlagStore
	policy    decision.Config
	limits    classify.Limits
	logger    *slog.Logger
	now       func() time.Time
}

// Deps wires an Orchestrator. Engines maps each available engine to its
// adapter; a missing local engine disables fallback.
type Deps struct {
	Sanitizer *sanitize.Sanitizer
	Engines   map[convert.Engine]convert.Converter
	Builder   DocumentBuilder
	Recorder  metrics.Recorder
	Reporter  report.Reporter
	Flags     decision.FlagStore
	Policy    decision.Config
	Limits    classify.Limits
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		sanitizer: deps.Sanitizer,
		engines:   deps.Engines,
		builder:   deps.Builder,
		recorder:  deps.Recorder,
		reporter:  deps.Reporter,
		flags:     deps.Flags,
		policy:    deps.Policy,
		limits:    deps.Limits,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if o.sanitizer == nil {
		o.sanitizer = sanitize.New()
	}
	if o.recorder == nil {
		o.recorder = metrics.NopRecorder{}
	}
	if o.reporter == nil {
		o.reporter = report.NopReporter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// unit tracks one body or attachment through the run.
type unit struct {
	kind     UnitKind
	filename string
	reason   convert.Reason

	content []byte // original bytes to persist; nil for an absent body
	mime    string

	original *document.Document
	input    *convert.Input // non-nil when submitted for conversion
	pdf      *document.Document
}

// ProcessEmail runs one email to a terminal state. The returned error is
// non-nil only when original persistence failed; every conversion failure
// degrades to originals-only instead. Exactly one summary is recorded per
// call, on every path.
func (o *Orchestrator) ProcessEmail(ctx context.Context, email *mail.InboundEmail) (*Outcome, error) {
	if email.TenantID == "" {
		return nil, errors.New("inbound email has no tenant")
	}

	jobID := uuid.New().String()
	start := o.now()
	logger := o.logger.With("jobId", jobID, "tenantId", email.TenantID, "messageId", email.MessageID)

	policy := decision.Decide(ctx, o.policy, o.flags, decision.RequestContext{TenantID: email.TenantID})
	logger.Info("engine policy resolved",
		"bodyEngine", policy.BodyEngine,
		"convertAttachments", policy.ConvertAttachments,
		"reasons", policy.Reasons)

	units := o.buildUnits(email, policy)

	if err := o.storeOriginals(ctx, email, units); err != nil {
		o.record(ctx, jobID, email, units, stateFailed, "", false, start)
		o.reporter.ReportFailure(ctx, report.Failure{
			JobID:           jobID,
			TenantID:        email.TenantID,
			MessageID:       email.MessageID,
			AttachmentCount: len(email.Attachments),
			Stage:           "persistence",
			Detail:          err.Error(),
		})
		return nil, fmt.Errorf("store originals: %w", err)
	}

	inputs := pendingInputs(units)
	engine := convert.Engine("")
	fallback := false
	if len(inputs) > 0 {
		// Every engine failure is reported before the fallback decision acts
		// on it, including failures a successful fallback later absorbs.
		onEngineError := func(failed convert.Engine, ferr error) {
			o.reporter.ReportFailure(ctx, report.Failure{
				JobID:           jobID,
				TenantID:        email.TenantID,
				MessageID:       email.MessageID,
				AttachmentCount: len(email.Attachments),
				Stage:           "conversion:" + string(failed),
				Detail:          ferr.Error(),
			})
		}
		result, usedEngine, usedFallback, err := o.submitWithFallback(ctx, logger, policy.BodyEngine, inputs, onEngineError)
		engine, fallback = usedEngine, usedFallback
		if err != nil {
			logger.Error("conversion batch failed, degrading to originals only", "engine", usedEngine, "error", err)
			degradePending(units)
		} else {
			o.applyResult(ctx, logger, units, inputs, result, usedEngine)
		}
	}

	state := StateOriginalsOnly
	for _, u := range units {
		if u.pdf != nil {
			state = StateConverted
			break
		}
	}

	outcome := &Outcome{
		JobID:    jobID,
		State:    state,
		Engine:   engine,
		Fallback: fallback,
		Duration: o.now().Sub(start),
	}
	for _, u := range units {
		status := UnitStatus{Kind: u.kind, Filename: u.filename, Reason: u.reason}
		if u.original != nil {
			status.OriginalDocumentID = u.original.DocumentID
		}
		if u.pdf != nil {
			status.PDFDocumentID = u.pdf.DocumentID
		}
		outcome.Units = append(outcome.Units, status)
	}

	o.record(ctx, jobID, email, units, state, engine, fallback, start)
	logger.Info("email run complete", "state", state, "engine", engine, "fallback", fallback, "units", len(units))
	return outcome, nil
}

// buildUnits classifies the body and every attachment into units. The body is
// always a unit: an absent or unrenderable body is accounted as skipped so
// totals reconcile.
func (o *Orchestrator) buildUnits(email *mail.InboundEmail, policy decision.Decision) []*unit {
	units := make([]*unit, 0, len(email.Attachments)+1)

	sanitized := o.sanitizer.EmailBody(email.BodyHTML, email.BodyPlain, sanitize.Metadata{
		From:      email.Sender,
		To:        email.Recipient,
		Subject:   email.Subject,
		MessageID: email.MessageID,
		Received:  email.ReceivedAt,
	})
	body := &unit{kind: UnitBody, filename: bodyFilename, reason: convert.ReasonUnsupported}
	if sanitized != "" {
		body.content = []byte(sanitized)
		body.mime = "text/html"
		in, err := convert.NewHTMLInput(pdfFilename(bodyFilename), sanitized)
		if err == nil {
			body.input = &in
			body.reason = convert.ReasonOK
		}
	}
	units = append(units, body)

	for _, att := range email.Attachments {
		u := &unit{
			kind:     UnitAttachment,
			filename: att.Filename,
			content:  att.Content,
			mime:     att.MIME,
		}
		verdict := classify.Classify(att.Filename, att.MIME, att.Size, att.Content, o.limits)
		u.reason = verdict.Reason
		if verdict.Action == classify.ConvertToPDF {
			if policy.ConvertAttachments {
				in, err := convert.NewFileInput(att.Filename, att.MIME, att.Content)
				if err == nil {
					u.input = &in
				} else {
					u.reason = convert.ReasonUnsupported
				}
			} else {
				u.reason = convert.ReasonUnsupported
			}
		}
		units = append(units, u)
	}
	return units
}

// storeOriginals persists every unit's original bytes before conversion
// starts. A failure here is the only error that fails the run: the webhook
// must signal the provider to redeliver. Persistence is detached from the
// request cancellation so a timed-out invocation still keeps the originals.
func (o *Orchestrator) storeOriginals(ctx context.Context, email *mail.InboundEmail, units []*unit) error {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(originalStoreConcurrency)
	for _, u := range units {
		if len(u.content) == 0 {
			continue
		}
		u := u
		g.Go(func() error {
			doc, err := o.builder.StoreOriginal(gctx, document.OriginalSpec{
				TenantID:   email.TenantID,
				Filename:   u.filename,
				MIME:       u.mime,
				Content:    u.content,
				MessageID:  email.MessageID,
				ReceivedAt: email.ReceivedAt,
			})
			if err != nil {
				return err
			}
			u.original = doc
			return nil
		})
	}
	return g.Wait()
}

// submitWithFallback runs the batch on the primary engine and retries on the
// local engine exactly once when the primary fails with a configuration
// error. Any other batch failure is returned for degradation; fallback never
// chains. onError fires for each engine failure as it happens.
func (o *Orchestrator) submitWithFallback(ctx context.Context, logger *slog.Logger, primary convert.Engine, inputs []convert.Input, onError func(convert.Engine, error)) (*convert.SubmitResult, convert.Engine, bool, error) {
	adapter, ok := o.engines[primary]
	if !ok {
		err := fmt.Errorf("engine %q not configured", primary)
		onError(primary, err)
		return nil, primary, false, err
	}

	result, err := adapter.Submit(ctx, inputs)
	if err == nil {
		return result, primary, false, nil
	}
	onError(primary, err)

	local, haveLocal := o.engines[convert.EngineLocal]
	if primary != convert.EngineLocal && convert.IsConfiguration(err) && haveLocal {
		logger.Warn("primary engine unusable, falling back to local", "engine", primary, "error", err)
		result, ferr := local.Submit(ctx, inputs)
		if ferr != nil {
			onError(convert.EngineLocal, ferr)
			return nil, convert.EngineLocal, true, ferr
		}
		return result, convert.EngineLocal, true, nil
	}

	return nil, primary, false, err
}

// applyResult maps artifacts back to units and persists derivatives. A
// mapping failure degrades every pending unit; a per-artifact failure
// degrades only its unit.
func (o *Orchestrator) applyResult(ctx context.Context, logger *slog.Logger, units []*unit, inputs []convert.Input, result *convert.SubmitResult, engine convert.Engine) {
	artifacts, err := result.ArtifactByCorrelation(inputs)
	if err != nil {
		logger.Error("artifact mapping failed, degrading to originals only", "engine", engine, "error", err)
		degradePending(units)
		return
	}

	for _, u := range units {
		if u.input == nil {
			continue
		}
		if reason, skipped := result.Skipped[u.input.CorrelationID]; skipped {
			u.reason = reason
			continue
		}
		artifact, found := artifacts[u.input.CorrelationID]
		if !found {
			logger.Error("engine returned no artifact for input", "filename", u.filename, "engine", engine)
			u.reason = convert.ReasonError
			continue
		}
		if artifact.Filename == "" {
			artifact.Filename = pdfFilename(u.filename)
		}
		if u.original == nil {
			u.reason = convert.ReasonError
			continue
		}
		doc, err := o.builder.StoreDerivative(ctx, u.original, *u.input, artifact, engine)
		if err != nil {
			logger.Error("failed to persist derivative, keeping original", "filename", u.filename, "error", err)
			u.reason = convert.ReasonError
			continue
		}
		u.pdf = doc
		u.reason = convert.ReasonOK
	}
}

// degradePending marks every still-unconverted unit as errored; their
// originals are already safe.
func degradePending(units []*unit) {
	for _, u := range units {
		if u.input != nil && u.pdf == nil {
			u.reason = convert.ReasonError
		}
	}
}

// record emits the run summary. One summary per email, on every path. Each
// unit lands in exactly one bucket so the three counts always cover the
// attachments plus one for the body.
func (o *Orchestrator) record(ctx context.Context, jobID string, email *mail.InboundEmail, units []*unit, state string, engine convert.Engine, fallback bool, start time.Time) {
	summary := &metrics.EmailConversionSummary{
		JobID:            jobID,
		TenantID:         email.TenantID,
		MessageID:        email.MessageID,
		TotalAttachments: len(email.Attachments),
		SkippedCounts:    map[convert.Reason]int{},
		ConversionEngine: engine,
		Fallback:         fallback,
		Outcome:          state,
		TotalDurationMs:  o.now().Sub(start).Milliseconds(),
	}
	for _, u := range units {
		switch {
		case u.pdf != nil:
			summary.PDFsProduced++
		case u.reason == convert.ReasonOK:
			summary.OriginalsStored++
		default:
			summary.SkippedCounts[u.reason]++
		}
	}
	if len(summary.SkippedCounts) == 0 {
		summary.SkippedCounts = nil
	}
	o.recorder.Record(ctx, summary)
}

// pendingInputs collects the inputs of units awaiting conversion.
func pendingInputs(units []*unit) []convert.Input {
	var inputs []convert.Input
	for _, u := range units {
		if u.input != nil {
			inputs = append(inputs, *u.input)
		}
	}
	return inputs
}

// pdfFilename swaps the extension for .pdf.
func pdfFilename(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".pdf"
}
