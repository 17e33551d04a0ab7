// internal/rewrite/rewriter_test.go
package rewrite

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/interceptor/internal/scripts"
)

const page = `<!DOCTYPE html>
<html>
<head><title>Login</title></head>
<body>
<form action="/login" method="POST"><input name="user"></form>
<form action="/search"></form>
<FORM method="put"></FORM>
</body>
</html>`

func baseURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://example.com/account/login")
	require.NoError(t, err)
	return u
}

func parseOutput(t *testing.T, out []byte) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(out))
	require.NoError(t, err)
	return doc
}

func headScripts(doc *goquery.Document) []string {
	var out []string
	doc.Find("head script").Each(func(_ int, s *goquery.Selection) {
		out = append(out, s.Text())
	})
	return out
}

func TestRewrite_ScriptOrderAndForms(t *testing.T) {
	rw := New(zaptest.NewLogger(t))

	out, err := rw.Rewrite(Input{
		Body:        []byte(page),
		ContentType: "text/html; charset=utf-8",
		Base:        baseURL(t),
		MainFrame:   true,
		Scripts: []scripts.UserScript{
			scripts.New("A", scripts.DocumentStart, false),
			scripts.New("B", scripts.DocumentEnd, false),
		},
	})
	require.NoError(t, err)

	doc := parseOutput(t, out)

	// Each prepend pushes earlier insertions down: the last registered comes first.
	if diff := cmp.Diff([]string{"B", "A"}, headScripts(doc)); diff != "" {
		t.Errorf("head scripts mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "script", goquery.NodeName(doc.Find("head").Children().First()))
	assert.Equal(t, "Login", doc.Find("head title").Text(), "existing head content is kept after the scripts")

	doc.Find("head script").Each(func(_ int, s *goquery.Selection) {
		assert.Equal(t, "text/javascript", s.AttrOr("type", ""))
	})

	forms := doc.Find("form")
	require.Equal(t, 3, forms.Length())
	forms.Each(func(i int, s *goquery.Selection) {
		assert.Equal(t, "get", s.AttrOr("method", ""), "form %d", i)
	})
	assert.Equal(t, "/login", forms.First().AttrOr("action", ""))
	assert.True(t, strings.HasPrefix(string(out), "<!DOCTYPE html>"))
}

func TestRewrite_ScriptSourceIsRaw(t *testing.T) {
	src := `if (a < b && c > d) { document.write("</div>"); }`
	out, err := New(nil).Rewrite(Input{
		Body:      []byte("<html><head></head><body></body></html>"),
		MainFrame: true,
		Scripts:   []scripts.UserScript{scripts.New(src, scripts.DocumentStart, false)},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), `<script type="text/javascript">`+src+`</script>`)
}

func TestRewrite_MainFrameOnlySkippedInSubFrames(t *testing.T) {
	rw := New(nil)
	in := Input{
		Body: []byte(page),
		Scripts: []scripts.UserScript{
			scripts.New("everywhere", scripts.DocumentStart, false),
			scripts.New("top-only", scripts.DocumentStart, true),
		},
	}

	in.MainFrame = false
	out, err := rw.Rewrite(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"everywhere"}, headScripts(parseOutput(t, out)))

	in.MainFrame = true
	out, err = rw.Rewrite(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"top-only", "everywhere"}, headScripts(parseOutput(t, out)))
}

func TestRewrite_AllFramesInjectsEveryScript(t *testing.T) {
	rw := New(nil)
	out, err := rw.Rewrite(Input{
		Body:      []byte(page),
		AllFrames: true,
		Scripts: []scripts.UserScript{
			scripts.New("everywhere", scripts.DocumentStart, false),
			scripts.New("top-only", scripts.DocumentStart, true),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"top-only", "everywhere"}, headScripts(parseOutput(t, out)))
}

func TestRewrite_SynthesizesHead(t *testing.T) {
	out, err := New(nil).Rewrite(Input{
		Body:      []byte("<html><body><p>no head</p></body></html>"),
		MainFrame: true,
		Scripts:   []scripts.UserScript{scripts.New("x()", scripts.DocumentStart, false)},
	})
	require.NoError(t, err)

	doc := parseOutput(t, out)
	assert.Equal(t, []string{"x()"}, headScripts(doc))
	assert.Equal(t, "no head", doc.Find("body p").Text())
}

func TestRewrite_DecodesDeclaredCharset(t *testing.T) {
	// "café" in ISO-8859-1.
	body := []byte("<html><head><meta charset=\"iso-8859-1\"></head><body><p>caf\xe9</p></body></html>")

	t.Run("from header", func(t *testing.T) {
		out, err := New(nil).Rewrite(Input{Body: body, ContentType: "text/html; charset=ISO-8859-1"})
		require.NoError(t, err)
		doc := parseOutput(t, out)
		assert.Equal(t, "café", doc.Find("p").Text())
		assert.Equal(t, OutputCharset, doc.Find("meta[charset]").AttrOr("charset", ""))
	})

	t.Run("from meta", func(t *testing.T) {
		out, err := New(nil).Rewrite(Input{Body: body})
		require.NoError(t, err)
		assert.Equal(t, "café", parseOutput(t, out).Find("p").Text())
	})
}

func TestRewrite_HTTPEquivCharsetNormalized(t *testing.T) {
	body := `<html><head><meta http-equiv="Content-Type" content="text/html; charset=windows-1251"></head><body></body></html>`
	out, err := New(nil).Rewrite(Input{Body: []byte(body), ContentType: "text/html; charset=windows-1251"})
	require.NoError(t, err)

	meta := parseOutput(t, out).Find("meta[http-equiv]")
	assert.Equal(t, "text/html; charset=utf-8", meta.AttrOr("content", ""))
}

func TestRewrite_UTF8PassesThrough(t *testing.T) {
	body := "<!doctype html><html><head></head><body><p>日本語テキスト</p></body></html>"
	out, err := New(nil).Rewrite(Input{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, "日本語テキスト", parseOutput(t, out).Find("p").Text())
}

func TestDecode_UnknownLabelFallsBackToRaw(t *testing.T) {
	r, name := decode([]byte("<html></html>"), "text/html; charset=x-not-a-charset")
	assert.NotNil(t, r)
	assert.NotEmpty(t, name)
}

func TestDetectCharset(t *testing.T) {
	body := []byte("<html><body><p>" + strings.Repeat("これは日本語の文章です。", 20) + "</p></body></html>")
	assert.Equal(t, "utf-8", DetectCharset(body))
}
