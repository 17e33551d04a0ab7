// internal/channel/router.go
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/cookies"
	"github.com/xkilldash9x/interceptor/internal/payload"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

// Method names understood by the Router.
const (
	MethodGetCookies     = "getCookies"
	MethodSetCookies     = "setCookies"
	MethodClearCookies   = "clearCookies"
	MethodAddUserScripts = "addUserScripts"
	MethodRecordPayload  = "recordPayload"
)

var (
	// ErrUnknownMethod is returned for a method with no registered handler.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrInvalidArguments is returned when a method's arguments cannot be decoded.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Handler runs one method. args is the raw JSON argument value, possibly empty.
type Handler func(ctx context.Context, args []byte) (interface{}, error)

// Router dispatches boundary method calls to typed handlers.
type Router struct {
	logger   *zap.Logger
	cookies  *cookies.Store
	scripts  *scripts.Set
	payloads *payload.Registry
	now      func() time.Time
	handlers map[string]Handler
}

// NewRouter creates a Router over the shared pipeline state.
func NewRouter(store *cookies.Store, set *scripts.Set, payloads *payload.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		logger:   logger.Named("channel"),
		cookies:  store,
		scripts:  set,
		payloads: payloads,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	r.registerHandlers()
	return r
}

func (r *Router) registerHandlers() {
	r.handlers[MethodGetCookies] = r.handleGetCookies
	r.handlers[MethodSetCookies] = r.handleSetCookies
	r.handlers[MethodClearCookies] = r.handleClearCookies
	r.handlers[MethodAddUserScripts] = r.handleAddUserScripts
	r.handlers[MethodRecordPayload] = r.handleRecordPayload
}

// Methods returns the registered method names, sorted.
func (r *Router) Methods() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs method with JSON args and returns the JSON-encoded result.
func (r *Router) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	handler, ok := r.handlers[method]
	if !ok {
		r.logger.Warn("Rejected call to unknown method.", zap.String("method", method))
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	result, err := handler(ctx, bytes.TrimSpace(args))
	if err != nil {
		r.logger.Warn("Method call failed.", zap.String("method", method), zap.Error(err))
		return nil, err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", method, err)
	}
	return out, nil
}

// decodeArgs unmarshals args into v. Empty and null args leave v untouched.
func decodeArgs(method string, args []byte, v interface{}) error {
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, method, err)
	}
	return nil
}

// -- Cookies --

type getCookiesArgs struct {
	URL string `json:"url"`
}

func (r *Router) handleGetCookies(_ context.Context, args []byte) (interface{}, error) {
	var a getCookiesArgs
	if err := decodeArgs(MethodGetCookies, args, &a); err != nil {
		return nil, err
	}

	var list []cookies.Cookie
	if u, ok := filterURL(a.URL); ok {
		list = r.cookies.Load(u)
	} else {
		list = r.cookies.GetAll()
	}

	now := r.now()
	out := make([]CookieMap, 0, len(list))
	for _, c := range list {
		out = append(out, ToMap(c, now))
	}
	return out, nil
}

// filterURL accepts only absolute http(s) URLs; anything else means "all cookies".
func filterURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func (r *Router) handleSetCookies(_ context.Context, args []byte) (interface{}, error) {
	var maps []CookieMap
	if err := decodeArgs(MethodSetCookies, args, &maps); err != nil {
		return nil, err
	}

	list := make([]cookies.Cookie, 0, len(maps))
	for _, m := range maps {
		list = append(list, m.Cookie())
	}
	stored := r.cookies.SetMany(list)
	r.logger.Debug("Cookies set.", zap.Int("requested", len(list)), zap.Int("stored", stored))
	return true, nil
}

func (r *Router) handleClearCookies(_ context.Context, _ []byte) (interface{}, error) {
	r.cookies.Clear()
	return true, nil
}

// -- Scripts and payloads --

type userScriptArgs struct {
	Source        *string   `json:"source"`
	InjectionTime string    `json:"injectionTime"`
	MainFrameOnly looseBool `json:"mainFrameOnly"`
}

func (r *Router) handleAddUserScripts(_ context.Context, args []byte) (interface{}, error) {
	var list []userScriptArgs
	if err := decodeArgs(MethodAddUserScripts, args, &list); err != nil {
		return nil, err
	}

	parsed := make([]scripts.UserScript, 0, len(list))
	for i, s := range list {
		if s.Source == nil {
			return nil, fmt.Errorf("%w: %s: script %d has no source", ErrInvalidArguments, MethodAddUserScripts, i)
		}
		parsed = append(parsed, scripts.New(*s.Source, scripts.ParseInjectionTime(s.InjectionTime), bool(s.MainFrameOnly)))
	}
	r.scripts.Add(parsed...)
	return true, nil
}

type recordPayloadArgs struct {
	Payload *string `json:"payload"`
}

func (r *Router) handleRecordPayload(_ context.Context, args []byte) (interface{}, error) {
	var a recordPayloadArgs
	if err := decodeArgs(MethodRecordPayload, args, &a); err != nil {
		return nil, err
	}
	if a.Payload == nil {
		return nil, fmt.Errorf("%w: %s: missing payload", ErrInvalidArguments, MethodRecordPayload)
	}
	return r.payloads.Record(*a.Payload), nil
}
