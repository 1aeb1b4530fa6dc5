package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/myhometech/email-ingest/internal/convert"
	"github.com/myhometech/email-ingest/internal/decision"
	"github.com/myhometech/email-ingest/internal/document"
	"github.com/myhometech/email-ingest/internal/flagstore"
	"github.com/myhometech/email-ingest/internal/mail"
	"github.com/myhometech/email-ingest/internal/metrics"
	"github.com/myhometech/email-ingest/internal/report"
)

// mockConverter implements convert.Converter with a func field.
type mockConverter struct {
	engine     convert.Engine
	submitFunc func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error)
	calls      int
}

func (m *mockConverter) Name() convert.Engine { return m.engine }

func (m *mockConverter) Submit(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
	m.calls++
	return m.submitFunc(ctx, inputs)
}

// convertAll echoes one artifact per input, regardless of kind.
func convertAll(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
	res := &convert.SubmitResult{JobID: "batch-1"}
	for _, in := range inputs {
		res.Artifacts = append(res.Artifacts, convert.Artifact{
			CorrelationID: in.CorrelationID,
			Filename:      strings.TrimSuffix(in.Filename, ".docx") + ".pdf",
			Bytes:         []byte("%PDF-" + in.Filename),
		})
	}
	return res, nil
}

// renderHTMLOnly converts HTML inputs and skips file inputs, like the local
// renderer.
func renderHTMLOnly(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
	res := &convert.SubmitResult{JobID: "batch-local", Skipped: map[string]convert.Reason{}}
	for _, in := range inputs {
		if in.Kind != convert.KindHTML {
			res.Skipped[in.CorrelationID] = convert.ReasonUnsupported
			continue
		}
		res.Artifacts = append(res.Artifacts, convert.Artifact{
			CorrelationID: in.CorrelationID,
			Filename:      in.Filename,
			Bytes:         []byte("%PDF-local"),
		})
	}
	return res, nil
}

// mockBuilder implements DocumentBuilder.
type mockBuilder struct {
	originalErr   error
	derivativeErr error
	originals     []*document.Document
	derivatives   []*document.Document
}

func (m *mockBuilder) StoreOriginal(ctx context.Context, spec document.OriginalSpec) (*document.Document, error) {
	if m.originalErr != nil {
		return nil, m.originalErr
	}
	doc := &document.Document{
		TenantID:   spec.TenantID,
		DocumentID: document.ContentSHA256(spec.Content),
		Filename:   spec.Filename,
		MIME:       spec.MIME,
		BlobID:     "blob-" + spec.Filename,
		SHA256:     document.ContentSHA256(spec.Content),
	}
	m.originals = append(m.originals, doc)
	return doc, nil
}

func (m *mockBuilder) StoreDerivative(ctx context.Context, original *document.Document, input convert.Input, artifact convert.Artifact, engine convert.Engine) (*document.Document, error) {
	if m.derivativeErr != nil {
		return nil, m.derivativeErr
	}
	doc := &document.Document{
		TenantID:              original.TenantID,
		DocumentID:            document.ContentSHA256(artifact.Bytes),
		Filename:              artifact.Filename,
		MIME:                  "application/pdf",
		BlobID:                "blob-" + artifact.Filename,
		SHA256:                document.ContentSHA256(artifact.Bytes),
		ConversionEngine:      engine,
		ConversionReason:      convert.ReasonOK,
		ConversionInputSHA256: document.ContentSHA256(input.Payload()),
		DerivedFromDocumentID: original.DocumentID,
	}
	m.derivatives = append(m.derivatives, doc)
	return doc, nil
}

// captureRecorder implements metrics.Recorder.
type captureRecorder struct {
	summaries []*metrics.EmailConversionSummary
}

func (c *captureRecorder) Record(ctx context.Context, summary *metrics.EmailConversionSummary) {
	c.summaries = append(c.summaries, summary)
}

// captureReporter implements report.Reporter.
type captureReporter struct {
	failures []report.Failure
}

func (c *captureReporter) ReportFailure(ctx context.Context, failure report.Failure) {
	c.failures = append(c.failures, failure)
}

type fixture struct {
	cloud    *mockConverter
	local    *mockConverter
	builder  *mockBuilder
	recorder *captureRecorder
	reporter *captureReporter
}

func newFixture(cloudSubmit, localSubmit func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error)) (*Orchestrator, *fixture) {
	f := &fixture{
		cloud:    &mockConverter{engine: convert.EngineCloud, submitFunc: cloudSubmit},
		local:    &mockConverter{engine: convert.EngineLocal, submitFunc: localSubmit},
		builder:  &mockBuilder{},
		recorder: &captureRecorder{},
		reporter: &captureReporter{},
	}
	o := New(Deps{
		Engines: map[convert.Engine]convert.Converter{
			convert.EngineCloud: f.cloud,
			convert.EngineLocal: f.local,
		},
		Builder:  f.builder,
		Recorder: f.recorder,
		Reporter: f.reporter,
		Flags: flagstore.Static{
			decision.FlagCloudBody:            100,
			decision.FlagAttachmentConversion: 100,
		},
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	return o, f
}

func testEmail() *mail.InboundEmail {
	return &mail.InboundEmail{
		TenantID:   "11111111-2222-3333-4444-555555555555",
		Sender:     "alice@example.com",
		Recipient:  "upload+11111111-2222-3333-4444-555555555555@myhome-tech.com",
		Subject:    "Monthly statement",
		MessageID:  "<msg-1@example.com>",
		ReceivedAt: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		BodyHTML:   "<p>Please find the documents attached.</p>",
		Attachments: []mail.Attachment{
			{Filename: "statement.docx", MIME: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Size: 2 << 20, Content: []byte("docx bytes")},
			{Filename: "scan.pdf", MIME: "application/pdf", Size: 11 << 20, Content: []byte("%PDF-already")},
		},
	}
}

func TestProcessEmail_Converted(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != StateConverted {
		t.Errorf("state = %q", outcome.State)
	}
	if outcome.Engine != convert.EngineCloud || outcome.Fallback {
		t.Errorf("engine = %q fallback = %v", outcome.Engine, outcome.Fallback)
	}
	if len(outcome.Units) != 3 {
		t.Fatalf("units = %d, want 3 (body + 2 attachments)", len(outcome.Units))
	}
	for _, u := range outcome.Units {
		if u.Reason != convert.ReasonOK {
			t.Errorf("unit %s reason = %q", u.Filename, u.Reason)
		}
	}

	// Body html + 2 attachments stored as originals; body + docx derived.
	if len(f.builder.originals) != 3 {
		t.Errorf("originals stored = %d, want 3", len(f.builder.originals))
	}
	if len(f.builder.derivatives) != 2 {
		t.Errorf("derivatives stored = %d, want 2 (body + docx; pdf bypasses)", len(f.builder.derivatives))
	}

	if len(f.recorder.summaries) != 1 {
		t.Fatalf("summaries = %d, want exactly 1", len(f.recorder.summaries))
	}
	// Body + docx converted; the inbound PDF is kept as-is.
	s := f.recorder.summaries[0]
	if s.TotalAttachments != 2 || s.OriginalsStored != 1 || s.PDFsProduced != 2 {
		t.Errorf("summary = %+v", s)
	}
	if !s.Accounted() {
		t.Error("summary units do not reconcile")
	}
	if len(f.reporter.failures) != 0 {
		t.Errorf("unexpected failure reports: %+v", f.reporter.failures)
	}
}

func TestProcessEmail_FallbackOnConfigurationError(t *testing.T) {
	cloudDown := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		return nil, convert.NewConfigurationError(convert.EngineCloud, errors.New("missing api key"))
	}
	o, f := newFixture(cloudDown, renderHTMLOnly)

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Fallback || outcome.Engine != convert.EngineLocal {
		t.Errorf("engine = %q fallback = %v, want local fallback", outcome.Engine, outcome.Fallback)
	}
	if f.cloud.calls != 1 || f.local.calls != 1 {
		t.Errorf("cloud calls = %d local calls = %d, want 1 each", f.cloud.calls, f.local.calls)
	}
	// Body rendered locally; docx skipped by the local engine; pdf stored.
	if outcome.State != StateConverted {
		t.Errorf("state = %q", outcome.State)
	}
	var docx UnitStatus
	for _, u := range outcome.Units {
		if u.Filename == "statement.docx" {
			docx = u
		}
	}
	if docx.Reason != convert.ReasonUnsupported {
		t.Errorf("docx reason = %q, want skipped by local engine", docx.Reason)
	}
	if docx.OriginalDocumentID == "" {
		t.Error("skipped attachment must keep its original")
	}
	// The configuration error is reported even though fallback succeeded.
	if len(f.reporter.failures) != 1 {
		t.Errorf("failure reports = %d, want 1", len(f.reporter.failures))
	}
}

func TestProcessEmail_FallbackNeverChains(t *testing.T) {
	cloudDown := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		return nil, convert.NewConfigurationError(convert.EngineCloud, errors.New("bad endpoint"))
	}
	localDown := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		return nil, &convert.EngineError{Engine: convert.EngineLocal, Kind: convert.KindTransient, Err: errors.New("chromium crashed")}
	}
	o, f := newFixture(cloudDown, localDown)

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.local.calls != 1 {
		t.Errorf("local calls = %d, fallback must run at most once", f.local.calls)
	}
	if outcome.State != StateOriginalsOnly {
		t.Errorf("state = %q", outcome.State)
	}
	// Both engine failures are reported as they happen.
	if len(f.reporter.failures) != 2 {
		t.Errorf("failure reports = %d, want 2", len(f.reporter.failures))
	}
	// All originals still stored despite the double engine failure.
	if len(f.builder.originals) != 3 {
		t.Errorf("originals = %d, want 3", len(f.builder.originals))
	}
}

func TestProcessEmail_TransientErrorDegradesWithoutFallback(t *testing.T) {
	cloudFlaky := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		return nil, &convert.EngineError{Engine: convert.EngineCloud, Kind: convert.KindTransient, Retryable: true, Err: errors.New("504")}
	}
	o, f := newFixture(cloudFlaky, renderHTMLOnly)

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.local.calls != 0 {
		t.Error("transient errors must not trigger engine fallback")
	}
	if outcome.State != StateOriginalsOnly {
		t.Errorf("state = %q", outcome.State)
	}
	for _, u := range outcome.Units {
		if u.Filename == "statement.docx" && u.Reason != convert.ReasonError {
			t.Errorf("pending unit reason = %q, want error", u.Reason)
		}
	}
	s := f.recorder.summaries[0]
	if !s.Accounted() {
		t.Error("degraded run must still reconcile")
	}
}

func TestProcessEmail_OriginalPersistenceFails(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)
	f.builder.originalErr = errors.New("vault write failed")

	_, err := o.ProcessEmail(context.Background(), testEmail())
	if err == nil {
		t.Fatal("persistence failure must propagate so the provider redelivers")
	}
	if f.cloud.calls != 0 {
		t.Error("conversion must not run when originals are not safe")
	}
	// The summary is still recorded, once.
	if len(f.recorder.summaries) != 1 {
		t.Errorf("summaries = %d, want 1", len(f.recorder.summaries))
	}
	if len(f.reporter.failures) != 1 {
		t.Errorf("failure reports = %d, want 1", len(f.reporter.failures))
	}
}

func TestProcessEmail_ArtifactMappingFailureDegrades(t *testing.T) {
	rogue := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		return &convert.SubmitResult{Artifacts: []convert.Artifact{
			{CorrelationID: "not-a-real-id", Filename: "mystery.pdf", Bytes: []byte("%PDF")},
		}}, nil
	}
	o, f := newFixture(rogue, renderHTMLOnly)

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != StateOriginalsOnly {
		t.Errorf("state = %q", outcome.State)
	}
	if len(f.builder.derivatives) != 0 {
		t.Error("unmappable artifacts must not be persisted")
	}
	if len(f.builder.originals) != 3 {
		t.Errorf("originals = %d, want 3", len(f.builder.originals))
	}
}

func TestProcessEmail_DerivativeFailureKeepsOriginal(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)
	f.builder.derivativeErr = errors.New("artifact validation failed")

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != StateOriginalsOnly {
		t.Errorf("state = %q", outcome.State)
	}
	for _, u := range outcome.Units {
		if u.Kind == UnitBody && u.Reason != convert.ReasonError {
			t.Errorf("body reason = %q, want error", u.Reason)
		}
	}
	if len(f.builder.originals) != 3 {
		t.Errorf("originals = %d, want 3", len(f.builder.originals))
	}
}

func TestProcessEmail_MissingBodyAccounted(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)
	email := testEmail()
	email.BodyHTML = ""
	email.BodyPlain = ""

	outcome, err := o.ProcessEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Units) != 3 {
		t.Fatalf("units = %d, want 3: a missing body still counts", len(outcome.Units))
	}
	var body UnitStatus
	for _, u := range outcome.Units {
		if u.Kind == UnitBody {
			body = u
		}
	}
	if body.Reason != convert.ReasonUnsupported {
		t.Errorf("body reason = %q", body.Reason)
	}
	// docx converted, pdf kept as-is, body skipped: 1 + 1 + 1 = 2 + 1.
	s := f.recorder.summaries[0]
	if s.TotalAttachments != 2 || !s.Accounted() {
		t.Errorf("summary = %+v", s)
	}
	if s.PDFsProduced != 1 || s.OriginalsStored != 1 || s.SkippedCounts[convert.ReasonUnsupported] != 1 {
		t.Errorf("summary buckets = %+v", s)
	}
}

func TestProcessEmail_AttachmentConversionDisabled(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)
	o.flags = flagstore.Static{decision.FlagCloudBody: 100}

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var docx UnitStatus
	for _, u := range outcome.Units {
		if u.Filename == "statement.docx" {
			docx = u
		}
	}
	if docx.Reason != convert.ReasonUnsupported {
		t.Errorf("docx reason = %q, want not converted under policy", docx.Reason)
	}
	if docx.OriginalDocumentID == "" {
		t.Error("unconverted attachment must keep its original")
	}
	// Only the body was submitted.
	if len(f.builder.derivatives) != 1 {
		t.Errorf("derivatives = %d, want 1", len(f.builder.derivatives))
	}
}

func TestProcessEmail_GlobalOverrideLocal(t *testing.T) {
	o, f := newFixture(convertAll, renderHTMLOnly)
	o.policy = decision.Config{GlobalEngineOverride: convert.EngineLocal}

	outcome, err := o.ProcessEmail(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.cloud.calls != 0 {
		t.Error("local override must not touch the cloud engine")
	}
	if outcome.Engine != convert.EngineLocal || outcome.Fallback {
		t.Errorf("engine = %q fallback = %v", outcome.Engine, outcome.Fallback)
	}
	if len(f.builder.derivatives) != 1 {
		t.Errorf("derivatives = %d, want 1 (body only)", len(f.builder.derivatives))
	}
}

func TestProcessEmail_CancelledRequestKeepsOriginals(t *testing.T) {
	cloudSubmit := func(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, &convert.EngineError{Engine: convert.EngineCloud, Kind: convert.KindTransient, Err: err}
		}
		return convertAll(ctx, inputs)
	}
	o, f := newFixture(cloudSubmit, renderHTMLOnly)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := o.ProcessEmail(ctx, testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Original persistence is detached from request cancellation.
	if len(f.builder.originals) != 3 {
		t.Errorf("originals = %d, want 3 despite cancellation", len(f.builder.originals))
	}
	if outcome.State != StateOriginalsOnly {
		t.Errorf("state = %q", outcome.State)
	}
}

func TestProcessEmail_NoTenant(t *testing.T) {
	o, _ := newFixture(convertAll, renderHTMLOnly)
	email := testEmail()
	email.TenantID = ""
	if _, err := o.ProcessEmail(context.Background(), email); err == nil {
		t.Error("missing tenant must fail")
	}
}
