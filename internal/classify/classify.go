// Package classify decides, per attachment, whether it is stored as-is,
// converted to PDF, or stored with a skip reason. Classification is a pure
// function of the attachment properties.
package classify

import (
	"encoding/binary"
	"path/filepath"
	"strings"

	"github.com/myhometech/email-ingest/internal/convert"
)

// Action is the classifier verdict.
type Action string

const (
	// StoreOnly keeps the original untouched; no conversion is attempted.
	StoreOnly Action = "store_only"
	// ConvertToPDF stores the original and submits it for conversion.
	ConvertToPDF Action = "convert_to_pdf"
	// Reject stores the original with the attached skip reason.
	Reject Action = "reject"
)

// DefaultMaxConvertBytes is the size ceiling for convertible attachments.
const DefaultMaxConvertBytes = int64(10 * 1024 * 1024)

// Limits holds the tunable classification thresholds.
type Limits struct {
	MaxConvertBytes int64
}

// Result pairs the verdict with the skip reason to record if conversion is
// bypassed. Reason is ReasonOK for StoreOnly and ConvertToPDF.
type Result struct {
	Action Action
	Reason convert.Reason
}

// convertibleMIME maps convertible media types to true. Matching also falls
// back to extensions because inbound mail frequently carries
// application/octet-stream.
var convertibleMIME = map[string]bool{
	"text/html":                true,
	"text/plain":               true,
	"text/csv":                 true,
	"application/rtf":          true,
	"application/msword":       true,
	"application/vnd.ms-excel": true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.oasis.opendocument.presentation":                           true,
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

var convertibleExt = map[string]bool{
	".html": true, ".htm": true, ".txt": true, ".csv": true, ".rtf": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".odt": true, ".ods": true, ".odp": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Classify maps attachment properties to an action and skip reason. It is
// deterministic for identical input and has no side effects.
func Classify(filename, mimeType string, size int64, content []byte, limits Limits) Result {
	maxBytes := limits.MaxConvertBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxConvertBytes
	}

	mt := normalizeMIME(mimeType)
	ext := strings.ToLower(filepath.Ext(filename))

	// PDFs bypass conversion entirely; they are stored as-is with reason ok.
	if mt == "application/pdf" || ext == ".pdf" {
		return Result{Action: StoreOnly, Reason: convert.ReasonOK}
	}

	if size == 0 {
		return Result{Action: Reject, Reason: convert.ReasonUnsupported}
	}

	if !convertibleMIME[mt] && !convertibleExt[ext] {
		return Result{Action: Reject, Reason: convert.ReasonUnsupported}
	}

	if size > maxBytes {
		return Result{Action: Reject, Reason: convert.ReasonTooLarge}
	}

	if isEncryptedZip(content) {
		return Result{Action: Reject, Reason: convert.ReasonPasswordProtected}
	}

	return Result{Action: ConvertToPDF, Reason: convert.ReasonOK}
}

// normalizeMIME strips parameters and lowercases the media type.
func normalizeMIME(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// isEncryptedZip detects password protection on zip-container formats
// (docx/xlsx/pptx/odt) by the encryption bit in the first local file header.
// Heuristic only: legacy OLE formats are not inspected, so a protected .doc
// passes through and fails later in the engine, which degrades to
// originals-only.
func isEncryptedZip(content []byte) bool {
	if len(content) < 8 {
		return false
	}
	if content[0] != 'P' || content[1] != 'K' || content[2] != 0x03 || content[3] != 0x04 {
		return false
	}
	flags := binary.LittleEndian.Uint16(content[6:8])
	return flags&0x1 != 0
}
