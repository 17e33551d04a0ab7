// internal/channel/router_test.go
package channel

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/interceptor/internal/cookies"
	"github.com/xkilldash9x/interceptor/internal/payload"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router   *Router
	store    *cookies.Store
	scripts  *scripts.Set
	payloads *payload.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return fixedNow }

	f := &fixture{
		store:    cookies.NewStore(logger, cookies.WithClock(clock)),
		scripts:  scripts.NewSet(),
		payloads: payload.NewRegistry(0, logger),
	}
	f.router = NewRouter(f.store, f.scripts, f.payloads, logger)
	f.router.now = clock
	return f
}

func (f *fixture) invoke(t *testing.T, method, args string) []byte {
	t.Helper()
	out, err := f.router.Invoke(context.Background(), method, []byte(args))
	require.NoError(t, err)
	return out
}

func TestRouter_Methods(t *testing.T) {
	f := newFixture(t)
	want := []string{"addUserScripts", "clearCookies", "getCookies", "recordPayload", "setCookies"}
	assert.Equal(t, want, f.router.Methods())
}

func TestRouter_UnknownMethod(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Invoke(context.Background(), "evaluateJavascript", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Contains(t, err.Error(), "evaluateJavascript")
}

func TestRouter_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		method string
		args   string
	}{
		{MethodSetCookies, `{"name": "not a list"}`},
		{MethodSetCookies, `[{"name": "a", "secure": 12}]`},
		{MethodSetCookies, `[{"name": "a", "expires": "soon"}]`},
		{MethodGetCookies, `[1, 2]`},
		{MethodAddUserScripts, `[{"injectionTime": "end"}]`},
		{MethodAddUserScripts, `"source"`},
		{MethodRecordPayload, `{}`},
		{MethodRecordPayload, `{"payload": 7}`},
		{MethodRecordPayload, `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.args, func(t *testing.T) {
			_, err := f.router.Invoke(context.Background(), tc.method, []byte(tc.args))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArguments)
		})
	}
}

func TestRouter_SetAndGetCookies(t *testing.T) {
	f := newFixture(t)
	future := fixedNow.Add(time.Hour).UnixMilli()
	past := fixedNow.Add(-time.Hour).UnixMilli()

	args := `[
		{"name": "session", "value": "abc", "domain": ".Example.com", "path": "/", "secure": true, "httpOnly": "true", "expires": ` + jsonInt(future) + `},
		{"name": "pref", "value": "dark", "domain": "example.com", "path": "/settings"},
		{"name": "stale", "value": "x", "domain": "example.com", "expires": "` + jsonInt(past) + `"},
		{"name": "nodomain", "value": "x"}
	]`
	assert.Equal(t, "true", string(f.invoke(t, MethodSetCookies, args)))
	assert.Equal(t, 2, f.store.Len(), "expired and domainless cookies are not stored")

	var all []CookieMap
	require.NoError(t, json.Unmarshal(f.invoke(t, MethodGetCookies, `{}`), &all))

	exp := looseInt64(future)
	want := []CookieMap{
		{Name: "session", Value: "abc", Domain: "example.com", Path: "/", Secure: true, HTTPOnly: true, Expires: &exp},
		{Name: "pref", Value: "dark", Domain: "example.com", Path: "/settings"},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("getCookies mismatch (-want +got):\n%s", diff)
	}
}

func TestRouter_GetCookiesFiltersByURL(t *testing.T) {
	f := newFixture(t)
	f.invoke(t, MethodSetCookies, `[
		{"name": "a", "value": "1", "domain": "example.com", "path": "/"},
		{"name": "b", "value": "2", "domain": "other.org", "path": "/"},
		{"name": "s", "value": "3", "domain": "example.com", "path": "/", "secure": true}
	]`)

	var got []CookieMap
	require.NoError(t, json.Unmarshal(f.invoke(t, MethodGetCookies, `{"url": "http://www.example.com/page"}`), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)

	require.NoError(t, json.Unmarshal(f.invoke(t, MethodGetCookies, `{"url": "not a url"}`), &got))
	assert.Len(t, got, 3, "an unusable url returns every cookie")

	require.NoError(t, json.Unmarshal(f.invoke(t, MethodGetCookies, ``), &got))
	assert.Len(t, got, 3)
}

func TestRouter_GetCookiesWireShape(t *testing.T) {
	f := newFixture(t)
	f.invoke(t, MethodSetCookies, `[{"name": "a", "value": "1", "domain": "example.com"}]`)

	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(f.invoke(t, MethodGetCookies, `null`), &raw))
	require.Len(t, raw, 1)

	assert.Equal(t, "/", raw[0]["path"])
	assert.Equal(t, false, raw[0]["hostOnly"])
	assert.Equal(t, false, raw[0]["secure"])
	assert.NotContains(t, raw[0], "expires", "session cookies carry no expiry")
}

func TestRouter_ClearCookies(t *testing.T) {
	f := newFixture(t)
	f.invoke(t, MethodSetCookies, `[{"name": "a", "value": "1", "domain": "example.com"}]`)
	require.Equal(t, 1, f.store.Len())

	assert.Equal(t, "true", string(f.invoke(t, MethodClearCookies, "")))
	assert.Zero(t, f.store.Len())
}

func TestRouter_AddUserScripts(t *testing.T) {
	f := newFixture(t)
	f.invoke(t, MethodAddUserScripts, `[
		{"source": "first()", "injectionTime": "END", "mainFrameOnly": true},
		{"source": "second()"}
	]`)

	got := f.scripts.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "first()", got[0].Source())
	assert.Equal(t, scripts.DocumentEnd, got[0].InjectionTime())
	assert.True(t, got[0].MainFrameOnly())
	assert.Equal(t, "second()", got[1].Source())
	assert.Equal(t, scripts.DocumentStart, got[1].InjectionTime())
	assert.False(t, got[1].MainFrameOnly())
}

func TestRouter_RecordPayload(t *testing.T) {
	f := newFixture(t)

	var id string
	require.NoError(t, json.Unmarshal(f.invoke(t, MethodRecordPayload, `{"payload": "{\"a\":1}"}`), &id))
	require.NotEmpty(t, id)

	body, ok := f.payloads.Consume(id)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, body)
}

func TestToMap_ExpiryOnlyWhenLive(t *testing.T) {
	live := fixedNow.Add(time.Minute)
	dead := fixedNow.Add(-time.Minute)

	m := ToMap(cookies.Cookie{Name: "a", Domain: "x.com", Path: "/", Expires: &live, HostOnly: true}, fixedNow)
	require.NotNil(t, m.Expires)
	assert.EqualValues(t, live.UnixMilli(), *m.Expires)
	assert.True(t, bool(m.HostOnly))

	m = ToMap(cookies.Cookie{Name: "a", Domain: "x.com", Path: "/", Expires: &dead}, fixedNow)
	assert.Nil(t, m.Expires)
}

func TestCookieMap_RoundTrip(t *testing.T) {
	exp := fixedNow.Add(time.Hour).Truncate(time.Millisecond)
	c := cookies.Cookie{Name: "n", Value: "v", Domain: "d.com", Path: "/p", Secure: true, HostOnly: true, HTTPOnly: true, Expires: &exp}

	back := ToMap(c, fixedNow).Cookie()
	assert.Equal(t, c.Key(), back.Key())
	require.NotNil(t, back.Expires)
	assert.True(t, exp.Equal(*back.Expires))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
