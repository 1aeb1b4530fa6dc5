// Package document provides document records, the provenance builder and the
// DynamoDB repository backing the vault's document table.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/myhometech/email-ingest/internal/convert"
	"github.com/myhometech/email-ingest/internal/dynamo"
)

// Error types for document invariants.
var (
	ErrLineageChain    = errors.New("derived documents cannot be derived from")
	ErrInvalidDocument = errors.New("invalid document record")
)

// Document is one persisted vault record: either an untouched original or a
// converted derivative.
type Document struct {
	TenantID   string    `json:"tenantId"`
	DocumentID string    `json:"documentId"`
	Filename   string    `json:"filename"`
	MIME       string    `json:"mime"`
	BlobID     string    `json:"blobId"`
	SizeBytes  int64     `json:"sizeBytes"`
	SHA256     string    `json:"sha256"`
	Source     string    `json:"source"`
	MessageID  string    `json:"messageId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	CreatedAt  time.Time `json:"createdAt"`

	// PageCount is populated for converted derivatives only.
	PageCount int `json:"pageCount,omitempty"`

	// Conversion provenance. Empty strings mean null: an unconverted
	// original carries no engine and no input hash.
	ConversionEngine      convert.Engine `json:"conversionEngine,omitempty"`
	ConversionReason      convert.Reason `json:"conversionReason,omitempty"`
	ConversionInputSHA256 string         `json:"conversionInputSha256,omitempty"`
	DerivedFromDocumentID string         `json:"derivedFromDocumentId,omitempty"`
}

// PK returns the DynamoDB partition key for this document.
func (d *Document) PK() string {
	return dynamo.PrefixTenant + d.TenantID
}

// SK returns the DynamoDB sort key. Documents are content-addressed: the id
// is the sha256 of the stored bytes, which makes writes idempotent.
func (d *Document) SK() string {
	return dynamo.PrefixDocument + d.DocumentID
}

// LSI1SK indexes documents by received time for listing.
func (d *Document) LSI1SK() string {
	return "RCVD#" + d.ReceivedAt.UTC().Format(time.RFC3339) + "#" + d.DocumentID
}

// IsDerivative reports whether this record is a converted derivative.
func (d *Document) IsDerivative() bool {
	return d.DerivedFromDocumentID != ""
}

// Validate checks the provenance invariants: a derivative always names its
// engine and carries reason ok; an unconverted original never names one.
func (d *Document) Validate() error {
	if d.TenantID == "" || d.DocumentID == "" || d.BlobID == "" {
		return fmt.Errorf("%w: missing tenant, document or blob id", ErrInvalidDocument)
	}
	if d.IsDerivative() {
		if d.ConversionEngine == "" {
			return fmt.Errorf("%w: derivative without a conversion engine", ErrInvalidDocument)
		}
		if d.ConversionReason != convert.ReasonOK {
			return fmt.Errorf("%w: derivative with reason %q", ErrInvalidDocument, d.ConversionReason)
		}
		if d.ConversionInputSHA256 == "" {
			return fmt.Errorf("%w: derivative without an input hash", ErrInvalidDocument)
		}
	} else if d.ConversionEngine != "" {
		return fmt.Errorf("%w: original carrying conversion engine %q", ErrInvalidDocument, d.ConversionEngine)
	}
	return nil
}

// ContentSHA256 hashes content bytes for document addressing and provenance.
func ContentSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
