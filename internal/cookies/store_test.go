// internal/cookies/store_test.go
package cookies

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// -- Test Helpers --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(zaptest.NewLogger(t), WithClock(clock.Now)), clock
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func at(ts time.Time) *time.Time { return &ts }

// -- Identity and Replacement --

func TestStore_SaveReplacesByIdentity(t *testing.T) {
	store, clock := newTestStore(t)
	u := mustURL(t, "https://example.com/")

	base := Cookie{Name: "sid", Domain: "example.com", Path: "/", HostOnly: true}
	for i := 0; i < 5; i++ {
		c := base
		c.Value = fmt.Sprintf("v%d", i)
		c.Expires = at(clock.Now().Add(time.Duration(i+1) * time.Hour))
		store.Save(u, []Cookie{c})
	}

	all := store.GetAll()
	require.Len(t, all, 1, "identity-equal saves must collapse into one entry")
	assert.Equal(t, "v4", all[0].Value)
	assert.Equal(t, clock.Now().Add(5*time.Hour), *all[0].Expires)
}

func TestStore_DistinctIdentitiesCoexist(t *testing.T) {
	store, _ := newTestStore(t)
	u := mustURL(t, "https://example.com/")

	store.Save(u, []Cookie{
		{Name: "a", Value: "1", Domain: "example.com", Path: "/"},
		{Name: "a", Value: "2", Domain: "example.com", Path: "/", Secure: true},
		{Name: "a", Value: "3", Domain: "example.com", Path: "/", HostOnly: true},
		{Name: "a", Value: "4", Domain: "example.com", Path: "/docs"},
	})

	assert.Equal(t, 4, store.Len())
}

func TestStore_SaveExpiredDeletes(t *testing.T) {
	store, clock := newTestStore(t)
	u := mustURL(t, "https://example.com/")
	live := Cookie{Name: "sid", Value: "x", Domain: "example.com", Path: "/"}
	store.Save(u, []Cookie{live})

	dead := live
	dead.Expires = at(clock.Now().Add(-time.Second))
	store.Save(u, []Cookie{dead})

	assert.Zero(t, store.Len())
}

// -- Lazy Expiry --

func TestStore_LoadEvictsExpired(t *testing.T) {
	store, clock := newTestStore(t)
	u := mustURL(t, "https://example.com/")

	store.Save(u, []Cookie{
		{Name: "short", Value: "1", Domain: "example.com", Path: "/", Expires: at(clock.Now().Add(time.Minute))},
		{Name: "long", Value: "2", Domain: "example.com", Path: "/", Expires: at(clock.Now().Add(time.Hour))},
		{Name: "other", Value: "3", Domain: "other.org", Path: "/", Expires: at(clock.Now().Add(time.Minute))},
	})
	clock.Advance(10 * time.Minute)

	loaded := store.Load(u)
	require.Len(t, loaded, 1)
	assert.Equal(t, "long", loaded[0].Name)

	// Expired cookies are evicted even when they did not match the URL.
	assert.Equal(t, 1, store.Len())
	for _, c := range store.GetAll() {
		assert.False(t, c.Expired(clock.Now()))
	}
}

// -- Matching --

func TestStore_LoadMatching(t *testing.T) {
	store, _ := newTestStore(t)
	u := mustURL(t, "https://www.example.com/")

	store.Save(u, []Cookie{
		{Name: "domain", Value: "d", Domain: "example.com", Path: "/"},
		{Name: "hostonly", Value: "h", Domain: "www.example.com", Path: "/", HostOnly: true},
		{Name: "secure", Value: "s", Domain: "example.com", Path: "/", Secure: true},
		{Name: "docs", Value: "p", Domain: "example.com", Path: "/docs"},
	})

	names := func(cs []Cookie) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}

	tests := []struct {
		name string
		url  string
		want []string
	}{
		{"subdomain https root", "https://www.example.com/", []string{"domain", "hostonly", "secure"}},
		{"plain http drops secure", "http://www.example.com/", []string{"domain", "hostonly"}},
		{"host-only not sent to sibling", "https://api.example.com/", []string{"domain", "secure"}},
		{"path prefix with longest path first", "https://example.com/docs/intro", []string{"docs", "domain", "secure"}},
		{"path prefix must end at separator", "https://example.com/docsearch", []string{"domain", "secure"}},
		{"unrelated domain", "https://notexample.com/", []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := names(store.Load(mustURL(t, tc.url)))
			assert.ElementsMatch(t, tc.want, got)
			if len(got) > 0 && len(tc.want) > 0 && tc.want[0] == "docs" {
				assert.Equal(t, "docs", got[0], "longer paths sort first")
			}
		})
	}
}

// -- http.CookieJar contract --

func TestStore_CookieJarContract(t *testing.T) {
	store, clock := newTestStore(t)
	u := mustURL(t, "https://shop.example.com/cart/view")

	store.SetCookies(u, []*http.Cookie{
		{Name: "host", Value: "1"},
		{Name: "dom", Value: "2", Domain: ".Example.COM", Path: "/"},
		{Name: "aged", Value: "3", MaxAge: 60},
		{Name: "evil", Value: "4", Domain: "com"},
		{Name: "foreign", Value: "5", Domain: "other.org"},
	})

	all := store.GetAll()
	require.Len(t, all, 3)

	want := []Cookie{
		{Name: "host", Value: "1", Domain: "shop.example.com", Path: "/cart", HostOnly: true},
		{Name: "dom", Value: "2", Domain: "example.com", Path: "/"},
		{Name: "aged", Value: "3", Domain: "shop.example.com", Path: "/cart", HostOnly: true, Expires: at(clock.Now().Add(time.Minute))},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("stored cookies mismatch (-want +got):\n%s", diff)
	}

	sent := store.Cookies(mustURL(t, "https://shop.example.com/cart/items"))
	require.Len(t, sent, 3)
	assert.Equal(t, "host", sent[0].Name, "longer path first, then creation order")

	// Max-Age<0 deletes.
	store.SetCookies(u, []*http.Cookie{{Name: "aged", MaxAge: -1}})
	assert.Len(t, store.GetAll(), 2)
}

func TestFromHTTP_Rejections(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		rawURL string
		cookie *http.Cookie
		err    error
	}{
		{"empty name", "https://example.com/", &http.Cookie{Value: "x"}, ErrEmptyName},
		{"public suffix", "https://example.co.uk/", &http.Cookie{Name: "a", Domain: "co.uk"}, ErrPublicSuffix},
		{"domain mismatch", "https://example.com/", &http.Cookie{Name: "a", Domain: "example.org"}, ErrDomainMismatch},
		{"ip with other domain", "http://10.0.0.1/", &http.Cookie{Name: "a", Domain: "10.0.0.2"}, ErrIPDomainCookies},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromHTTP(mustURL(t, tc.rawURL), tc.cookie, now)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

// -- Management operations --

func TestStore_SetManyGetAllClear(t *testing.T) {
	store, _ := newTestStore(t)

	stored := store.SetMany([]Cookie{
		{Name: "a", Value: "1", Domain: ".Example.com"},
		{Name: "b", Value: "2", Domain: ""},
		{Name: "c", Value: "3", Domain: "example.com", Path: "/x"},
	})
	assert.Equal(t, 2, stored, "cookies without a domain are skipped")

	all := store.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "example.com", all[0].Domain)
	assert.Equal(t, "/", all[0].Path, "missing path defaults to root")

	loaded := store.Load(mustURL(t, "http://example.com/x/y"))
	assert.Len(t, loaded, 2)

	store.Clear()
	assert.Empty(t, store.GetAll())
}

func TestStore_GetAllReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t)
	store.SetMany([]Cookie{{Name: "a", Value: "1", Domain: "example.com"}})

	all := store.GetAll()
	all[0].Value = "mutated"

	assert.Equal(t, "1", store.GetAll()[0].Value)
}

// -- Concurrency --

func TestStore_ConcurrentSaveSameIdentity(t *testing.T) {
	store, clock := newTestStore(t)
	u := mustURL(t, "https://example.com/")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Save(u, []Cookie{{
				Name: "sid", Value: fmt.Sprintf("%d", i), Domain: "example.com", Path: "/",
				Expires: at(clock.Now().Add(time.Hour)),
			}})
			_ = store.Load(u)
			_ = store.GetAll()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.Len(), "racing writers must never leave duplicate identities")
}

func TestStore_UsableAsClientJar(t *testing.T) {
	store, _ := newTestStore(t)
	client := &http.Client{Jar: store}
	assert.NotNil(t, client.Jar)
}
