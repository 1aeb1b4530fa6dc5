package mail

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/myhometech/email-ingest/internal/charset"
)

// Error types for payload parsing.
var (
	ErrMissingRecipient = errors.New("payload has no recipient")
	ErrInvalidTenant    = errors.New("recipient does not address a tenant upload mailbox")
)

// uploadPrefix is the local-part prefix of tenant upload addresses,
// e.g. upload+94a7b7f0-3266-4a4f-9d4e-875542d30e62@myhome-tech.com.
const uploadPrefix = "upload+"

// maxInlineAttachments bounds attachment-count. The provider never sends more
// than a handful; an oversized count is a malformed or hostile payload.
const maxInlineAttachments = 100

// ParseForm parses a provider webhook form payload into an InboundEmail plus
// any remote attachment descriptors still to be fetched. Inline base64
// attachments (attachment-count / attachment-N fields) are decoded here.
func ParseForm(values url.Values) (*InboundEmail, []RemoteAttachment, error) {
	recipient := strings.TrimSpace(values.Get("recipient"))
	if recipient == "" {
		return nil, nil, ErrMissingRecipient
	}

	tenantID, err := TenantFromRecipient(recipient)
	if err != nil {
		return nil, nil, err
	}

	email := &InboundEmail{
		TenantID:   tenantID,
		Sender:     strings.TrimSpace(values.Get("sender")),
		Recipient:  recipient,
		Subject:    values.Get("subject"),
		MessageID:  strings.Trim(values.Get("Message-Id"), "<>"),
		ReceivedAt: parseTimestamp(values.Get("timestamp")),
		BodyHTML:   decodeBody(values.Get("body-html"), values.Get("body-html-charset")),
		BodyPlain:  decodeBody(values.Get("body-plain"), values.Get("body-plain-charset")),
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}

	inline, err := parseInlineAttachments(values)
	if err != nil {
		return nil, nil, err
	}
	email.Attachments = inline

	remote, err := parseRemoteAttachments(values.Get("attachments"))
	if err != nil {
		return nil, nil, err
	}

	return email, remote, nil
}

// TenantFromRecipient extracts and validates the tenant id from an
// upload+<uuid>@domain recipient address.
func TenantFromRecipient(recipient string) (string, error) {
	at := strings.Index(recipient, "@")
	if at < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, recipient)
	}
	local := recipient[:at]
	if !strings.HasPrefix(local, uploadPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, recipient)
	}
	id := local[len(uploadPrefix):]
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, recipient)
	}
	return id, nil
}

// parseTimestamp reads a unix-seconds provider timestamp.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// decodeBody normalizes a body field to UTF-8 using its declared charset.
func decodeBody(body, charsetName string) string {
	if body == "" {
		return ""
	}
	decoded, _ := charset.Decode([]byte(body), charsetName)
	return string(decoded)
}

// parseInlineAttachments decodes attachment-count / attachment-N fields.
func parseInlineAttachments(values url.Values) ([]Attachment, error) {
	countStr := values.Get("attachment-count")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 || count > maxInlineAttachments {
		return nil, fmt.Errorf("invalid attachment-count %q", countStr)
	}

	attachments := make([]Attachment, 0, count)
	for i := 1; i <= count; i++ {
		key := fmt.Sprintf("attachment-%d", i)
		if !values.Has(key) {
			return nil, fmt.Errorf("attachment-count is %d but %s is missing", count, key)
		}
		content, err := base64.StdEncoding.DecodeString(values.Get(key))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		name := values.Get(key + "-name")
		if name == "" {
			name = key
		}
		attachments = append(attachments, Attachment{
			Filename: name,
			MIME:     values.Get(key + "-mime"),
			Size:     int64(len(content)),
			Content:  content,
		})
	}
	return attachments, nil
}

// parseRemoteAttachments reads the provider's stored-attachment JSON list.
func parseRemoteAttachments(raw string) ([]RemoteAttachment, error) {
	if raw == "" {
		return nil, nil
	}
	var remote []RemoteAttachment
	if err := json.Unmarshal([]byte(raw), &remote); err != nil {
		return nil, fmt.Errorf("parse attachments field: %w", err)
	}
	return remote, nil
}
