// File: cmd/fetch.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/intercept"
	"github.com/xkilldash9x/interceptor/internal/observability"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

// errNotIntercepted is returned when the pipeline declines the request.
var errNotIntercepted = errors.New("request is not handled by the interception pipeline")

type fetchOptions struct {
	method     string
	data       string
	headers    []string
	scripts    []string
	subFrame   bool
	bodyOnly   bool
	noRecorder bool
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Run one request through the interception pipeline and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			if opts.noRecorder {
				cfg.InterceptCfg.InjectRecorder = false
			}
			logger := observability.GetLogger()

			p, err := newPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			return runFetch(cmd, p, args[0], opts)
		},
	}

	fetchCmd.Flags().StringVarP(&opts.method, "method", "X", "GET", "request method")
	fetchCmd.Flags().StringVarP(&opts.data, "data", "d", "", "request body, recorded as a page script would")
	fetchCmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	fetchCmd.Flags().StringArrayVarP(&opts.scripts, "script", "s", nil, "user script file injected into the document (repeatable)")
	fetchCmd.Flags().BoolVar(&opts.subFrame, "sub-frame", false, "treat the request as a sub-frame load")
	fetchCmd.Flags().BoolVar(&opts.bodyOnly, "body-only", false, "print only the body")
	fetchCmd.Flags().BoolVar(&opts.noRecorder, "no-recorder", false, "do not inject the payload recorder")
	return fetchCmd
}

func runFetch(cmd *cobra.Command, p *pipeline, target string, opts fetchOptions) error {
	for _, path := range opts.scripts {
		s, err := scripts.LoadFile(path)
		if err != nil {
			return err
		}
		p.scripts.Add(s)
	}

	req := intercept.Request{
		Method:      opts.method,
		URL:         target,
		Headers:     make(map[string]string, len(opts.headers)+1),
		IsMainFrame: !opts.subFrame,
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if opts.data != "" {
		req.Headers[p.interceptor.CorrelationHeader()] = p.payloads.Record(opts.data)
	}

	d, ok := p.interceptor.Intercept(cmd.Context(), req)
	if !ok {
		return fmt.Errorf("%w: %s", errNotIntercepted, target)
	}
	body := d.Body()
	defer body.Close()

	if d.State() == intercept.StateFailed {
		observability.GetLogger().Warn("Request failed, the pipeline served an empty response.", zap.Error(d.Err()))
	}

	out := cmd.OutOrStdout()
	if !opts.bodyOnly {
		writeHead(out, d)
	}
	_, err := io.Copy(out, body)
	return err
}

func writeHead(w io.Writer, d *intercept.DeferredResponse) {
	fmt.Fprintf(w, "%d %s\n", d.StatusCode(), d.ReasonPhrase())
	headers := d.Headers()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, headers[name])
	}
	fmt.Fprintf(w, "\n")
}
