package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/myhometech/email-ingest/internal/convert"
)

// ErrInvalidArtifact is returned when an engine output fails PDF validation.
var ErrInvalidArtifact = errors.New("artifact is not a valid PDF")

// Uploader stores raw bytes and returns the blob id. Implemented by the blob
// presigned upload client.
type Uploader interface {
	Upload(ctx context.Context, tenantID, filename, contentType string, body io.Reader) (string, int64, error)
}

// Store persists and reads document records. Implemented by Repository.
type Store interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, tenantID, documentID string) (*Document, error)
}

// ValidatePDFFunc checks artifact bytes and returns the page count.
// Injectable for tests.
type ValidatePDFFunc func(content []byte) (int, error)

// Builder turns conversion outcomes into persisted documents with a
// verifiable provenance chain.
type Builder struct {
	store       Store
	uploader    Uploader
	validatePDF ValidatePDFFunc
	now         func() time.Time
}

// NewBuilder creates a Builder backed by pdfcpu artifact validation.
func NewBuilder(store Store, uploader Uploader) *Builder {
	return &Builder{
		store:       store,
		uploader:    uploader,
		validatePDF: pdfcpuValidate,
		now:         time.Now,
	}
}

// OriginalSpec describes an untouched original to persist.
type OriginalSpec struct {
	TenantID   string
	Filename   string
	MIME       string
	Content    []byte
	MessageID  string
	ReceivedAt time.Time
	// Reason records why conversion was bypassed or failed. Empty when a
	// derivative was (or will be) produced from this original.
	Reason convert.Reason
}

// StoreOriginal uploads original bytes and persists the document record. The
// returned document carries no conversion engine: originals are untouched.
// Content already stored for the tenant is returned as-is without a second
// blob upload, so a redelivered webhook costs one hash and one lookup.
func (b *Builder) StoreOriginal(ctx context.Context, spec OriginalSpec) (*Document, error) {
	documentID := ContentSHA256(spec.Content)
	if existing, err := b.store.GetDocument(ctx, spec.TenantID, documentID); err == nil {
		return existing, nil
	}

	blobID, size, err := b.uploader.Upload(ctx, spec.TenantID, spec.Filename, spec.MIME, bytes.NewReader(spec.Content))
	if err != nil {
		return nil, fmt.Errorf("upload original %q: %w", spec.Filename, err)
	}

	doc := &Document{
		TenantID:         spec.TenantID,
		DocumentID:       documentID,
		Filename:         spec.Filename,
		MIME:             spec.MIME,
		BlobID:           blobID,
		SizeBytes:        size,
		SHA256:           documentID,
		Source:           "email",
		MessageID:        spec.MessageID,
		ReceivedAt:       spec.ReceivedAt,
		CreatedAt:        b.now().UTC(),
		ConversionReason: spec.Reason,
	}
	if err := b.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// StoreDerivative validates a produced artifact, uploads it and persists the
// derivative record linked to its original. The input hash is computed over
// the exact payload submitted to the engine, not the artifact.
func (b *Builder) StoreDerivative(ctx context.Context, original *Document, input convert.Input, artifact convert.Artifact, engine convert.Engine) (*Document, error) {
	if original.IsDerivative() {
		return nil, ErrLineageChain
	}

	pages, err := b.validatePDF(artifact.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	blobID, size, err := b.uploader.Upload(ctx, original.TenantID, artifact.Filename, "application/pdf", bytes.NewReader(artifact.Bytes))
	if err != nil {
		return nil, fmt.Errorf("upload artifact %q: %w", artifact.Filename, err)
	}

	doc := &Document{
		TenantID:              original.TenantID,
		DocumentID:            ContentSHA256(artifact.Bytes),
		Filename:              artifact.Filename,
		MIME:                  "application/pdf",
		BlobID:                blobID,
		SizeBytes:             size,
		SHA256:                ContentSHA256(artifact.Bytes),
		Source:                "email",
		MessageID:             original.MessageID,
		ReceivedAt:            original.ReceivedAt,
		CreatedAt:             b.now().UTC(),
		PageCount:             pages,
		ConversionEngine:      engine,
		ConversionReason:      convert.ReasonOK,
		ConversionInputSHA256: ContentSHA256(input.Payload()),
		DerivedFromDocumentID: original.DocumentID,
	}

	if err := b.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// pdfcpuValidate checks well-formedness and returns the page count.
func pdfcpuValidate(content []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	rs := bytes.NewReader(content)
	if err := api.Validate(rs, conf); err != nil {
		return 0, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return api.PageCount(rs, conf)
}
