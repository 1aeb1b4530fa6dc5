// Package local implements the convert.Converter contract with an in-process
// headless Chromium renderer. It handles HTML inputs only; file inputs are
// skipped per item with skipped_unsupported.
package local

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/myhometech/email-ingest/internal/convert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyRender is returned when the renderer produces no bytes.
var ErrEmptyRender = errors.New("renderer produced no output")

// DefaultRenderTimeout bounds a single page render.
const DefaultRenderTimeout = 30 * time.Second

// RenderFunc renders an HTML document to PDF bytes. Injectable for tests.
type RenderFunc func(ctx context.Context, html string) ([]byte, error)

// Renderer converts HTML inputs to PDF without external network calls.
type Renderer struct {
	render  RenderFunc
	timeout time.Duration
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithRenderFunc replaces the Chromium render backend.
func WithRenderFunc(fn RenderFunc) Option {
	return func(r *Renderer) { r.render = fn }
}

// WithTimeout sets the per-item render timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// New creates a Renderer backed by headless Chromium.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		render:  renderChromium,
		timeout: DefaultRenderTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the engine for provenance records.
func (r *Renderer) Name() convert.Engine { return convert.EngineLocal }

// Submit renders each HTML input to PDF. File inputs are recorded as skipped;
// a render failure fails the batch with a transient engine error.
func (r *Renderer) Submit(ctx context.Context, inputs []convert.Input) (*convert.SubmitResult, error) {
	tracer := otel.Tracer("email-ingest-convert")
	ctx, span := tracer.Start(ctx, "local.Submit",
		trace.WithAttributes(attribute.Int("convert.batch_size", len(inputs))))
	defer span.End()

	result := &convert.SubmitResult{
		JobID:   "local-" + uuid.New().String(),
		Skipped: make(map[string]convert.Reason),
	}

	for _, in := range inputs {
		if in.Kind != convert.KindHTML {
			result.Skipped[in.CorrelationID] = convert.ReasonUnsupported
			continue
		}

		started := time.Now()
		renderCtx, cancel := context.WithTimeout(ctx, r.timeout)
		pdf, err := r.render(renderCtx, in.HTML)
		cancel()
		if err == nil && len(pdf) == 0 {
			err = ErrEmptyRender
		}
		if err != nil {
			span.RecordError(err)
			return nil, &convert.EngineError{
				Engine:    convert.EngineLocal,
				Kind:      convert.KindTransient,
				Reason:    convert.ReasonError,
				Retryable: false,
				Err:       err,
			}
		}

		result.Artifacts = append(result.Artifacts, convert.Artifact{
			CorrelationID: in.CorrelationID,
			Filename:      pdfFilename(in.Filename),
			Bytes:         pdf,
			EngineMetadata: map[string]string{
				"renderer":   "chromium",
				"durationMs": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
			},
		})
	}

	return result, nil
}

// pdfFilename swaps the extension of the input filename for .pdf.
func pdfFilename(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i] + ".pdf"
		}
		if name[i] == '/' {
			break
		}
	}
	return name + ".pdf"
}

// renderChromium prints the document through a fresh headless browser tab.
func renderChromium(ctx context.Context, html string) ([]byte, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
		)...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdf, nil
}
