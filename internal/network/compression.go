// File: internal/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised when the intercepted request did not carry its own,
// or carried only codings DecompressResponse cannot decode.
const AcceptEncoding = "br, gzip, deflate"

// ErrUnsupportedEncoding is returned by DecompressResponse for a Content-Encoding
// layer it has no decoder for. The response is left untouched.
var ErrUnsupportedEncoding = errors.New("unsupported Content-Encoding layer")

// decodable lists the content codings DecompressResponse understands.
var decodable = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"br":       true,
	"deflate":  true,
	"identity": true,
}

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
	emptyReader = strings.NewReader("")
)

// CompressionMiddleware is an http.RoundTripper that negotiates compression and
// hands callers a decoded body. Sniffing and rewriting downstream only ever see
// plain bytes, and the exported headers never advertise an encoding the body no
// longer has.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	accept := req.Header.Get("Accept-Encoding")
	if filtered := FilterAcceptEncoding(accept); filtered != accept {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", filtered)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		if errors.Is(err, ErrUnsupportedEncoding) {
			// Handed on still encoded, Content-Encoding intact.
			return resp, nil
		}
		// The body may be partially consumed; it cannot be handed on.
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// pooledBody closes the decoder, returns it to its pool, and closes the wire body.
type pooledBody struct {
	io.ReadCloser
	wire    io.ReadCloser
	release func()
}

func (b *pooledBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.wire.Close())
}

// FilterAcceptEncoding drops the codings DecompressResponse cannot decode from an
// Accept-Encoding value, keeping any parameters of the rest. An empty result
// falls back to AcceptEncoding.
func FilterAcceptEncoding(value string) string {
	var kept []string
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		coding, _, _ := strings.Cut(tok, ";")
		if decodable[strings.ToLower(strings.TrimSpace(coding))] {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return AcceptEncoding
	}
	return strings.Join(kept, ", ")
}

// Bodyless reports whether resp cannot carry a body: the answer to a HEAD
// request, a 1xx, 204 or 304 status, or an explicit http.NoBody.
func Bodyless(resp *http.Response) bool {
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return true
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return true
	}
	code := resp.StatusCode
	return (code >= 100 && code < 200) || code == http.StatusNoContent || code == http.StatusNotModified
}

// DecompressResponse replaces resp.Body with a decoding reader for every
// Content-Encoding layer, last applied first, then drops the Content-Encoding and
// Content-Length headers. Bodyless responses are left alone, as are responses
// using a coding outside the supported set, which yield ErrUnsupportedEncoding.
// On any other error resp.Body must be treated as corrupted.
func DecompressResponse(resp *http.Response) error {
	if Bodyless(resp) {
		return nil
	}
	encodings := contentEncodings(resp.Header)
	if len(encodings) == 0 {
		return nil
	}
	for _, enc := range encodings {
		if !decodable[enc] {
			return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
		}
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)

		switch encodings[i] {
		case "gzip", "x-gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaderPool.Put(zr)
			}

		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brotliReaderPool.Put(br)
			}

		case "deflate":
			reader = newDeflateReader(resp.Body)

		default: // identity
			continue
		}

		resp.Body = &pooledBody{ReadCloser: reader, wire: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// contentEncodings flattens every Content-Encoding value into lower-cased tokens.
func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951) deflate,
// since servers disagree on what "deflate" means. The zlib header check is done on
// peeked bytes so nothing is consumed before the choice is made.
func newDeflateReader(r io.Reader) io.ReadCloser {
	br := bufio.NewReader(r)
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
		if zr, err := zlib.NewReader(br); err == nil {
			return zr
		}
	}
	return flate.NewReader(br)
}

func isZlibHeader(h []byte) bool {
	cmf, flg := h[0], h[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
