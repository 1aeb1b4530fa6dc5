// Package metrics records one conversion summary per processed email.
package metrics

import (
	"time"

	"github.com/myhometech/email-ingest/internal/convert"
)

// EmailConversionSummary is the per-email accounting record. Exactly one is
// emitted per processed email, after the terminal state is reached. The body
// counts as one unit alongside the attachments, and every unit lands in
// exactly one bucket: PDFsProduced (a conversion produced a PDF),
// OriginalsStored (kept as-is with no conversion needed, e.g. an inbound
// PDF), or SkippedCounts (bypassed or failed, keyed by reason).
type EmailConversionSummary struct {
	JobID            string                 `json:"jobId"`
	TenantID         string                 `json:"tenantId"`
	MessageID        string                 `json:"messageId,omitempty"`
	TotalAttachments int                    `json:"totalAttachments"`
	OriginalsStored  int                    `json:"originalsStored"`
	PDFsProduced     int                    `json:"pdfsProduced"`
	SkippedCounts    map[convert.Reason]int `json:"skippedCounts,omitempty"`
	ConversionEngine convert.Engine         `json:"conversionEngine,omitempty"`
	Fallback         bool                   `json:"fallback"`
	Outcome          string                 `json:"outcome"`
	TotalDurationMs  int64                  `json:"totalDurationMs"`
	RecordedAt       time.Time              `json:"recordedAt"`
}

// Accounted reports whether every unit is accounted for: the three buckets
// must cover the attachments plus one for the body.
func (s *EmailConversionSummary) Accounted() bool {
	skipped := 0
	for _, n := range s.SkippedCounts {
		skipped += n
	}
	return s.OriginalsStored+s.PDFsProduced+skipped == s.TotalAttachments+1
}
