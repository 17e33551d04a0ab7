// internal/channel/cookie_map.go
package channel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/interceptor/internal/cookies"
)

// CookieMap is the wire shape of a cookie. Expires is epoch milliseconds and is
// only present for cookies that carry an expiry which has not passed.
type CookieMap struct {
	Name     string      `json:"name"`
	Value    string      `json:"value"`
	Domain   string      `json:"domain"`
	Path     string      `json:"path"`
	Secure   looseBool   `json:"secure"`
	HTTPOnly looseBool   `json:"httpOnly"`
	HostOnly looseBool   `json:"hostOnly"`
	Expires  *looseInt64 `json:"expires,omitempty"`
}

// ToMap converts a stored cookie to its wire shape.
func ToMap(c cookies.Cookie, now time.Time) CookieMap {
	m := CookieMap{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   looseBool(c.Secure),
		HTTPOnly: looseBool(c.HTTPOnly),
		HostOnly: looseBool(c.HostOnly),
	}
	if c.Expires != nil && !c.Expired(now) {
		ms := looseInt64(c.Expires.UnixMilli())
		m.Expires = &ms
	}
	return m
}

// Cookie converts the wire shape to a cookie ready for Store.SetMany.
func (m CookieMap) Cookie() cookies.Cookie {
	c := cookies.Cookie{
		Name:     m.Name,
		Value:    m.Value,
		Domain:   m.Domain,
		Path:     m.Path,
		Secure:   bool(m.Secure),
		HTTPOnly: bool(m.HTTPOnly),
		HostOnly: bool(m.HostOnly),
	}
	if m.Expires != nil {
		exp := time.UnixMilli(int64(*m.Expires))
		c.Expires = &exp
	}
	return c
}

// looseBool accepts JSON booleans and the strings "true"/"false".
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*b = false
	case bool:
		*b = looseBool(t)
	case string:
		*b = looseBool(strings.EqualFold(strings.TrimSpace(t), "true"))
	default:
		return fmt.Errorf("cannot use %s as a boolean", data)
	}
	return nil
}

// looseInt64 accepts JSON numbers and numeric strings.
type looseInt64 int64

func (n *looseInt64) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*n = looseInt64(t)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return fmt.Errorf("cannot use %q as an integer: %w", t, err)
		}
		*n = looseInt64(parsed)
	default:
		return fmt.Errorf("cannot use %s as an integer", data)
	}
	return nil
}
