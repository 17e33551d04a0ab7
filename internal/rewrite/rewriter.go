// internal/rewrite/rewriter.go
package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/xkilldash9x/interceptor/internal/scripts"
)

// OutputCharset is the encoding of every rewritten document.
const OutputCharset = "utf-8"

// chardet confidence below which a guess is ignored.
const minDetectConfidence = 40

// Input is one document to rewrite.
type Input struct {
	Body []byte
	// ContentType is the response Content-Type header, possibly empty.
	ContentType string
	// Base is the resolved request URL the document was loaded from.
	Base *url.URL
	// MainFrame is true for top-level documents.
	MainFrame bool
	// AllFrames injects main-frame-only scripts into sub-frame documents as well.
	AllFrames bool
	// Scripts in registration order.
	Scripts []scripts.UserScript
}

// Rewriter injects user scripts into HTML documents and forces every form to
// submit with GET.
type Rewriter struct {
	logger *zap.Logger
}

// New creates a Rewriter.
func New(logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{logger: logger.Named("rewriter")}
}

// Rewrite parses in.Body and returns the serialized, mutated document encoded as
// UTF-8. Each applicable script is prepended to <head>, so the last registered
// script ends up first. Callers fall back to the raw body when an error is returned.
func (rw *Rewriter) Rewrite(in Input) ([]byte, error) {
	reader, sourceCharset := decode(in.Body, in.ContentType)

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	doc.Url = in.Base

	doc.Find("form").SetAttr("method", "get")
	normalizeMetaCharset(doc)

	head := doc.Find("head").First()
	injected := 0
	for _, s := range in.Scripts {
		if !in.AllFrames && !s.AppliesTo(in.MainFrame) {
			continue
		}
		head.PrependNodes(scriptNode(s.Source()))
		injected++
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	rw.logger.Debug("Rewrote document.",
		zap.Stringer("url", in.Base),
		zap.String("source_charset", sourceCharset),
		zap.Int("scripts", injected),
		zap.Bool("main_frame", in.MainFrame))
	return []byte(out), nil
}

func scriptNode(source string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "type", Val: "text/javascript"}},
	}
	// Script children are raw text; the renderer writes them unescaped.
	n.AppendChild(&html.Node{Type: html.TextNode, Data: source})
	return n
}

// normalizeMetaCharset rewrites in-document charset declarations to match the UTF-8 output.
func normalizeMetaCharset(doc *goquery.Document) {
	doc.Find("meta[charset]").SetAttr("charset", OutputCharset)
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "content-type") {
			s.SetAttr("content", "text/html; charset="+OutputCharset)
		}
	})
}

// decode returns a UTF-8 reader over body and the name of the source encoding.
// A BOM or a charset parameter in contentType is authoritative; otherwise a
// <meta> declaration or valid UTF-8 wins, and chardet is consulted only when
// nothing better than the windows-1252 default was found.
func decode(body []byte, contentType string) (io.Reader, string) {
	_, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && name == "windows-1252" && !declaresCharset(body) {
		if guess := DetectCharset(body); guess != "" {
			name = guess
		}
	}

	r, err := charset.NewReaderLabel(name, bytes.NewReader(body))
	if err != nil {
		return bytes.NewReader(body), OutputCharset
	}
	return r, strings.ToLower(name)
}

// declaresCharset reports whether the prescan window mentions a charset, in which
// case the <meta> prescan already chose the encoding.
func declaresCharset(body []byte) bool {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

// DetectCharset guesses the encoding of an HTML body with chardet. It returns ""
// when no confident guess exists.
func DetectCharset(body []byte) string {
	result, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || result == nil || result.Confidence < minDetectConfidence {
		return ""
	}
	return strings.ToLower(result.Charset)
}
