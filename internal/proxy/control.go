// internal/proxy/control.go
package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/elazarl/goproxy"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/channel"
)

const (
	contentTypeJSON = "application/json"
	maxControlBody  = 4 << 20
)

func (p *Proxy) isControl(r *http.Request) bool {
	if p.router == nil {
		return false
	}
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	return strings.EqualFold(host, p.controlHost)
}

// handleControl serves POST /<method> on the control host with the JSON body as arguments.
func (p *Proxy) handleControl(r *http.Request) *http.Response {
	if r.Method != http.MethodPost {
		resp := controlError(r, http.StatusMethodNotAllowed, "use POST")
		resp.Header.Set("Allow", http.MethodPost)
		return resp
	}

	method := strings.Trim(r.URL.Path, "/")
	var args []byte
	if r.Body != nil {
		defer r.Body.Close()
		var err error
		args, err = io.ReadAll(io.LimitReader(r.Body, maxControlBody))
		if err != nil {
			return controlError(r, http.StatusBadRequest, "failed to read arguments")
		}
	}

	out, err := p.router.Invoke(r.Context(), method, args)
	switch {
	case err == nil:
		p.logger.Debug("Control call served.", zap.String("method", method))
		return goproxy.NewResponse(r, contentTypeJSON, http.StatusOK, string(out))
	case errors.Is(err, channel.ErrUnknownMethod):
		return controlError(r, http.StatusNotFound, err.Error())
	case errors.Is(err, channel.ErrInvalidArguments):
		return controlError(r, http.StatusBadRequest, err.Error())
	default:
		return controlError(r, http.StatusInternalServerError, err.Error())
	}
}

type controlErrorBody struct {
	Error string `json:"error"`
}

func controlError(r *http.Request, status int, msg string) *http.Response {
	body, _ := json.Marshal(controlErrorBody{Error: msg})
	return goproxy.NewResponse(r, contentTypeJSON, status, string(body))
}
