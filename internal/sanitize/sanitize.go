// Package sanitize prepares untrusted email bodies for PDF rendering. Markup
// passes through an allow-list sanitizer and a provenance header is prepended
// so the rendered artifact is self-describing.
package sanitize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// Metadata is the email envelope rendered into the provenance header.
type Metadata struct {
	From      string
	To        string
	Subject   string
	MessageID string
	Received  time.Time
}

// Sanitizer cleans email bodies with a fixed allow-list policy.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New creates a Sanitizer. The policy permits common formatting and table
// markup with URIs restricted to http, https and mailto.
func New() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireNoFollowOnLinks(true)
	p.AllowTables()
	p.AllowLists()
	p.AllowImages()
	p.AllowAttrs("style").OnElements("p", "span", "div", "td", "th", "table")
	return &Sanitizer{policy: p}
}

// EmailBody returns a single sanitized HTML document for the email body, or
// the empty string when the email has no body content at all. A missing HTML
// body falls back to the plain-text body wrapped in minimal markup.
func (s *Sanitizer) EmailBody(htmlBody, textBody string, meta Metadata) string {
	body := strings.TrimSpace(htmlBody)
	if body == "" {
		text := strings.TrimSpace(textBody)
		if text == "" {
			return ""
		}
		body = "<pre>" + html.EscapeString(text) + "</pre>"
	}

	clean := s.policy.Sanitize(body)
	if !hasRenderableContent(clean) {
		return ""
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n")
	b.WriteString(provenanceHeader(meta))
	b.WriteString(clean)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

// provenanceHeader renders the From/To/Subject/Received/Message-ID block.
func provenanceHeader(meta Metadata) string {
	received := ""
	if !meta.Received.IsZero() {
		received = meta.Received.UTC().Format(time.RFC1123Z)
	}
	rows := []struct{ label, value string }{
		{"From", meta.From},
		{"To", meta.To},
		{"Subject", meta.Subject},
		{"Received", received},
		{"Message-ID", meta.MessageID},
	}

	var b strings.Builder
	b.WriteString(`<div style="border-bottom:1px solid #999;margin-bottom:1em;padding-bottom:0.5em;font-family:sans-serif;font-size:12px;">` + "\n")
	for _, row := range rows {
		if row.value == "" {
			continue
		}
		fmt.Fprintf(&b, "<div><strong>%s:</strong> %s</div>\n",
			row.label, html.EscapeString(row.value))
	}
	b.WriteString("</div>\n")
	return b.String()
}

var whitespaceOnly = regexp.MustCompile(`^\s*$`)

// hasRenderableContent reports whether the sanitized fragment still carries
// visible text or an image once the markup is parsed.
func hasRenderableContent(fragment string) bool {
	doc, err := xhtml.Parse(strings.NewReader(fragment))
	if err != nil {
		return false
	}
	var walk func(*xhtml.Node) bool
	walk = func(n *xhtml.Node) bool {
		if n.Type == xhtml.TextNode && !whitespaceOnly.MatchString(n.Data) {
			return true
		}
		if n.Type == xhtml.ElementNode && n.Data == "img" {
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(doc)
}
