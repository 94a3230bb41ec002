// Package sanitize normalizes client-supplied text before storage.
package sanitize

import (
	"html"
	"strings"
)

// Content returns message text safe to store and replay into clients:
// surrounding whitespace is trimmed and HTML metacharacters are escaped.
func Content(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ID returns a normalized opaque identifier. Identifiers are compared
// byte-for-byte, so surrounding whitespace is the only thing stripped.
func ID(s string) string {
	return strings.TrimSpace(s)
}
