// Package mail provides types and parsing for inbound email webhook payloads.
package mail

import (
	"time"
)

// Attachment is one inbound attachment with its content resolved.
type Attachment struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
	Content  []byte `json:"-"`
}

// RemoteAttachment describes attachment content held by the mail provider,
// fetched over HTTP before processing.
type RemoteAttachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content-type"`
	Size        int64  `json:"size"`
}

// InboundEmail is one email delivered to the ingest webhook.
type InboundEmail struct {
	TenantID    string
	Sender      string
	Recipient   string
	Subject     string
	MessageID   string
	ReceivedAt  time.Time
	BodyHTML    string
	BodyPlain   string
	Attachments []Attachment
}

// HasBody reports whether the email carries any body content.
func (e *InboundEmail) HasBody() bool {
	return e.BodyHTML != "" || e.BodyPlain != ""
}
