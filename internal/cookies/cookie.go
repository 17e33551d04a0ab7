// internal/cookies/cookie.go
package cookies

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is a stored cookie. Two cookies are the same entry when their Key is equal;
// Value, HTTPOnly and Expires do not participate in identity.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HostOnly bool
	HTTPOnly bool
	// Expires is nil for session cookies.
	Expires *time.Time
}

// Key is the identity of a cookie inside the store.
type Key struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	HostOnly bool
}

var (
	ErrEmptyName       = errors.New("cookie name is empty")
	ErrEmptyDomain     = errors.New("cookie domain is empty")
	ErrDomainMismatch  = errors.New("cookie domain does not match request host")
	ErrPublicSuffix    = errors.New("cookie domain is a public suffix")
	ErrNoHost          = errors.New("url has no host")
	ErrIPDomainCookies = errors.New("domain attribute not allowed for IP hosts")
)

// Key returns the identity of c.
func (c Cookie) Key() Key {
	return Key{Name: c.Name, Domain: c.Domain, Path: c.Path, Secure: c.Secure, HostOnly: c.HostOnly}
}

// Expired reports whether c had expired at now. Session cookies never expire.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

// Matches applies the RFC 6265 domain, path and secure rules for a request to u.
func (c Cookie) Matches(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := canonicalHost(u.Hostname())
	if c.HostOnly {
		if host != c.Domain {
			return false
		}
	} else if !domainMatch(host, c.Domain) {
		return false
	}
	if !pathMatch(requestPath(u), c.Path) {
		return false
	}
	if c.Secure && !strings.EqualFold(u.Scheme, "https") {
		return false
	}
	return true
}

// HTTP converts c into the net/http representation sent on a request.
func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.HostOnly {
		hc.Domain = c.Domain
	}
	if c.Expires != nil {
		hc.Expires = *c.Expires
	}
	return hc
}

// FromHTTP builds a Cookie received in a response for u, resolving the default
// domain/path and Max-Age the way a browser does.
func FromHTTP(u *url.URL, hc *http.Cookie, now time.Time) (Cookie, error) {
	if hc.Name == "" {
		return Cookie{}, ErrEmptyName
	}
	host := canonicalHost(u.Hostname())
	if host == "" {
		return Cookie{}, ErrNoHost
	}

	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}

	if hc.Domain == "" {
		c.Domain = host
		c.HostOnly = true
	} else {
		domain := canonicalHost(strings.TrimPrefix(hc.Domain, "."))
		if err := validateDomain(host, domain); err != nil {
			return Cookie{}, fmt.Errorf("%s: %w", hc.Domain, err)
		}
		c.Domain = domain
	}

	if strings.HasPrefix(hc.Path, "/") {
		c.Path = hc.Path
	} else {
		c.Path = defaultPath(u.Path)
	}

	switch {
	case hc.MaxAge < 0:
		expired := time.Unix(0, 0)
		c.Expires = &expired
	case hc.MaxAge > 0:
		exp := now.Add(time.Duration(hc.MaxAge) * time.Second)
		c.Expires = &exp
	case !hc.Expires.IsZero():
		exp := hc.Expires
		c.Expires = &exp
	}
	return c, nil
}

// Normalize prepares an externally supplied cookie for storage.
func Normalize(c Cookie) (Cookie, error) {
	if c.Name == "" {
		return Cookie{}, ErrEmptyName
	}
	c.Domain = canonicalHost(strings.TrimPrefix(c.Domain, "."))
	if c.Domain == "" {
		return Cookie{}, ErrEmptyDomain
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/"
	}
	return c, nil
}

func validateDomain(host, domain string) error {
	if domain == "" {
		return ErrEmptyDomain
	}
	if net.ParseIP(host) != nil {
		if host != domain {
			return ErrIPDomainCookies
		}
		return nil
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain && host != domain {
		return ErrPublicSuffix
	}
	if !domainMatch(host, domain) {
		return ErrDomainMismatch
	}
	return nil
}

func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain) && net.ParseIP(host) == nil
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath implements RFC 6265 section 5.1.4 default-path.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
