// internal/cookies/store.go
package cookies

import (
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	cookie Cookie
	// seq orders cookies of equal path length by creation, as RFC 6265 asks.
	seq uint64
}

// Store is an in-memory cookie set keyed by cookie identity. It is safe for
// concurrent use and satisfies http.CookieJar, so one Store can back the jar of
// every interceptor in the process.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]entry
	nextSeq uint64
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ http.CookieJar = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		entries: make(map[Key]entry),
		now:     time.Now,
		logger:  logger.Named("cookies"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores every cookie, replacing any entry with the same identity.
// A cookie that is already expired deletes its identity instead.
func (s *Store) Save(u *url.URL, cookies []Cookie) {
	if len(cookies) == 0 {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		s.putLocked(c, now)
	}
}

// putLocked performs the remove-then-insert for one cookie. Callers hold mu.
func (s *Store) putLocked(c Cookie, now time.Time) {
	k := c.Key()
	prev, exists := s.entries[k]
	delete(s.entries, k)
	if c.Expired(now) {
		return
	}
	seq := prev.seq
	if !exists {
		s.nextSeq++
		seq = s.nextSeq
	}
	s.entries[k] = entry{cookie: c, seq: seq}
}

// Load returns every unexpired cookie that matches u, longest path first.
// Expired cookies found during the scan are evicted.
func (s *Store) Load(u *url.URL) []Cookie {
	now := s.now()
	var (
		matched []entry
		expired []Key
	)

	s.mu.RLock()
	for k, e := range s.entries {
		switch {
		case e.cookie.Expired(now):
			expired = append(expired, k)
		case e.cookie.Matches(u):
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	if len(expired) > 0 {
		s.evict(expired, now)
	}

	sort.Slice(matched, func(i, j int) bool {
		li, lj := len(matched[i].cookie.Path), len(matched[j].cookie.Path)
		if li != lj {
			return li > lj
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]Cookie, len(matched))
	for i, e := range matched {
		out[i] = e.cookie
	}
	return out
}

// evict removes the given identities if they are still expired; a concurrent
// Save may have replaced one with a fresh cookie in the meantime.
func (s *Store) evict(keys []Key, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok && e.cookie.Expired(now) {
			delete(s.entries, k)
		}
	}
	s.logger.Debug("Evicted expired cookies.", zap.Int("count", len(keys)))
}

// GetAll returns a copy of every stored cookie, expired or not, in creation order.
func (s *Store) GetAll() []Cookie {
	s.mu.RLock()
	all := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]Cookie, len(all))
	for i, e := range all {
		out[i] = e.cookie
	}
	return out
}

// SetMany stores externally supplied cookies. Cookies that fail Normalize (for
// example those without a domain) are skipped. It returns the number stored.
func (s *Store) SetMany(cookies []Cookie) int {
	now := s.now()
	stored := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		normalized, err := Normalize(c)
		if err != nil {
			s.logger.Debug("Skipping cookie.", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		s.putLocked(normalized, now)
		stored++
	}
	return stored
}

// Clear removes every cookie.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]entry)
}

// Len returns the number of stored cookies, including expired ones not yet evicted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SetCookies implements http.CookieJar.
func (s *Store) SetCookies(u *url.URL, httpCookies []*http.Cookie) {
	now := s.now()
	toSave := make([]Cookie, 0, len(httpCookies))
	for _, hc := range httpCookies {
		c, err := FromHTTP(u, hc, now)
		if err != nil {
			s.logger.Debug("Rejected cookie from response.",
				zap.String("url", u.String()), zap.String("name", hc.Name), zap.Error(err))
			continue
		}
		toSave = append(toSave, c)
	}
	s.Save(u, toSave)
}

// Cookies implements http.CookieJar.
func (s *Store) Cookies(u *url.URL) []*http.Cookie {
	loaded := s.Load(u)
	if len(loaded) == 0 {
		return nil
	}
	out := make([]*http.Cookie, len(loaded))
	for i, c := range loaded {
		out[i] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return out
}
