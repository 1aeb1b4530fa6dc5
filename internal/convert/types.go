// Package convert defines the shared conversion domain: inputs submitted to
// an engine, artifacts produced by it, the reason vocabulary surfaced to
// users, and the adapter contract both engines implement.
package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Engine identifies a conversion backend.
type Engine string

const (
	// EngineCloud is the remote API-based conversion service.
	EngineCloud Engine = "cloud"
	// EngineLocal is the in-process headless HTML renderer.
	EngineLocal Engine = "local"
)

// Reason is the stable per-item outcome vocabulary consumed by the UI.
type Reason string

const (
	ReasonOK                = Reason("ok")
	ReasonUnsupported       = Reason("skipped_unsupported")
	ReasonTooLarge          = Reason("skipped_too_large")
	ReasonPasswordProtected = Reason("skipped_password_protected")
	ReasonError             = Reason("error")
)

// UserVisibleStatus returns the human-readable status for a reason.
func (r Reason) UserVisibleStatus() string {
	switch r {
	case ReasonOK:
		return "Converted to PDF"
	case ReasonUnsupported:
		return "Stored original (format not convertible)"
	case ReasonTooLarge:
		return "Stored original (too large to convert)"
	case ReasonPasswordProtected:
		return "Stored original (password protected)"
	case ReasonError:
		return "Stored original (conversion failed)"
	default:
		return "Stored original"
	}
}

// InputKind discriminates the two conversion input shapes.
type InputKind string

const (
	// KindHTML is sanitized markup rendered to PDF.
	KindHTML InputKind = "html"
	// KindFile is a binary attachment converted to PDF.
	KindFile InputKind = "file"
)

// Error types for input construction.
var (
	ErrEmptyHTML   = errors.New("html input has no markup")
	ErrEmptyBuffer = errors.New("file input has no content")
)

// Input is one item submitted to an engine. Exactly one of HTML or Buffer is
// populated, consistent with Kind. CorrelationID is generated at construction
// and echoed back on the matching Artifact; artifact-to-input mapping never
// relies on filenames.
type Input struct {
	CorrelationID string
	Kind          InputKind
	Filename      string
	HTML          string // present iff Kind == KindHTML
	MIME          string // present iff Kind == KindFile
	Buffer        []byte // present iff Kind == KindFile
}

// NewHTMLInput builds a conversion input from sanitized markup.
func NewHTMLInput(filename, html string) (Input, error) {
	if html == "" {
		return Input{}, ErrEmptyHTML
	}
	return Input{
		CorrelationID: uuid.New().String(),
		Kind:          KindHTML,
		Filename:      filename,
		HTML:          html,
	}, nil
}

// NewFileInput builds a conversion input from attachment bytes.
func NewFileInput(filename, mime string, buffer []byte) (Input, error) {
	if len(buffer) == 0 {
		return Input{}, ErrEmptyBuffer
	}
	return Input{
		CorrelationID: uuid.New().String(),
		Kind:          KindFile,
		Filename:      filename,
		MIME:          mime,
		Buffer:        buffer,
	}, nil
}

// Payload returns the exact bytes submitted for conversion. Provenance hashes
// are computed over this value.
func (in Input) Payload() []byte {
	if in.Kind == KindHTML {
		return []byte(in.HTML)
	}
	return in.Buffer
}

// Artifact is one PDF produced by an engine. CorrelationID matches the
// originating Input.
type Artifact struct {
	CorrelationID  string
	Filename       string
	Bytes          []byte
	EngineMetadata map[string]string
}

// SubmitResult is the outcome of one engine batch. Skipped records items the
// engine declined per-item (keyed by correlation id) without failing the
// batch, e.g. a file input handed to the HTML-only local renderer.
type SubmitResult struct {
	JobID     string
	Artifacts []Artifact
	Skipped   map[string]Reason
}

// ArtifactByCorrelation maps artifacts back to their inputs. It fails when an
// artifact carries an unknown or duplicate correlation id, so a misbehaving
// engine surfaces as a processing error instead of a silent drop.
func (r *SubmitResult) ArtifactByCorrelation(inputs []Input) (map[string]Artifact, error) {
	known := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		known[in.CorrelationID] = true
	}
	out := make(map[string]Artifact, len(r.Artifacts))
	for _, a := range r.Artifacts {
		if !known[a.CorrelationID] {
			return nil, fmt.Errorf("artifact %q has unknown correlation id %q", a.Filename, a.CorrelationID)
		}
		if _, dup := out[a.CorrelationID]; dup {
			return nil, fmt.Errorf("artifact %q duplicates correlation id %q", a.Filename, a.CorrelationID)
		}
		out[a.CorrelationID] = a
	}
	return out, nil
}

// Converter is the adapter contract implemented by both engines. Submit is
// the single blocking call of an orchestration run; adapters never retry
// batch-level failures themselves.
type Converter interface {
	// Name identifies the engine for provenance records.
	Name() Engine
	// Submit converts a batch of inputs. Batch-level failures are returned
	// as *EngineError.
	Submit(ctx context.Context, inputs []Input) (*SubmitResult, error)
}
