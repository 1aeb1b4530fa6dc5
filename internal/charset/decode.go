// Package charset decodes inbound email body bytes into UTF-8. Webhook
// payloads declare a charset per field but the content is not guaranteed to
// match it.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Decode converts content from the named charset to UTF-8.
// Returns the decoded bytes and whether a fallback was needed.
//
// Behavior:
// - Empty charset defaults to us-ascii
// - UTF-8/ASCII content is validated; invalid bytes fall back to Latin-1
// - Unknown charsets pass the bytes through and report a problem
func Decode(content []byte, name string) ([]byte, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "us-ascii"
	}

	if isUTF8Name(name) || name == "ascii" || name == "us-ascii" {
		if utf8.Valid(content) {
			return content, false
		}
		return decodeLatin1(content), true
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		// Unknown charset: pass through, flag the problem.
		return content, true
	}
	if enc == nil {
		return content, false
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), content)
	if err != nil {
		return decodeLatin1(content), true
	}
	return decoded, false
}

// lookupEncoding finds the encoding for a charset name.
func lookupEncoding(name string) (encoding.Encoding, error) {
	// Aliases that may not resolve through the IANA index.
	switch name {
	case "utf8", "ascii", "us-ascii":
		return nil, nil
	case "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	}
	return ianaindex.IANA.Encoding(name)
}

// isUTF8Name checks whether the charset names a UTF-8 variant.
func isUTF8Name(name string) bool {
	return name == "utf-8" || name == "utf8"
}

// decodeLatin1 converts ISO-8859-1 bytes to UTF-8.
func decodeLatin1(data []byte) []byte {
	result, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	if err != nil {
		return data
	}
	return result
}
