// internal/rewrite/sniff.go
package rewrite

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strings"
)

// SniffLen is how much of a body is inspected when classifying it as markup.
const SniffLen = 2048

var (
	doctypeRe = regexp.MustCompile(`(?i)^\s*<!doctype\s+html`)
	htmlTagRe = regexp.MustCompile(`(?i)^\s*<\s*html`)

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

// LooksLikeMarkup reports whether prefix starts with an HTML doctype or an
// opening <html> tag, ignoring case and leading whitespace.
func LooksLikeMarkup(prefix []byte) bool {
	prefix = bytes.TrimPrefix(prefix, utf8BOM)
	return doctypeRe.Match(prefix) || htmlTagRe.Match(prefix)
}

// markupCarriers are the declared media types under which a document is still
// sniffed. Servers label HTML with these when they label it wrong at all.
var markupCarriers = map[string]bool{
	"text/html":                true,
	"application/xhtml+xml":    true,
	"text/plain":               true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/unknown":      true,
	"unknown/unknown":          true,
}

// MayContainMarkup reports whether a body declared as mediaType is worth
// sniffing. Streams such as text/event-stream and media types such as image/png
// are handed on without waiting for a sniff window.
func MayContainMarkup(mediaType string) bool {
	return markupCarriers[strings.ToLower(strings.TrimSpace(mediaType))]
}

// Sniff peeks at up to SniffLen bytes of br without consuming them.
func Sniff(br *bufio.Reader) bool {
	return LooksLikeMarkup(Peek(br))
}

// Peek returns up to SniffLen buffered bytes of br. A short body yields what is
// available; read errors are left for the eventual reader to observe.
func Peek(br *bufio.Reader) []byte {
	prefix, _ := br.Peek(SniffLen)
	return prefix
}

// NewSniffReader wraps r in a reader whose buffer can hold a full sniff window.
func NewSniffReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 2*SniffLen)
}
