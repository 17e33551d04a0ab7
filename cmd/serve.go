// File: cmd/serve.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/config"
	"github.com/xkilldash9x/interceptor/internal/observability"
	"github.com/xkilldash9x/interceptor/internal/proxy"
)

func newServeCmd() *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception proxy",
		Long: `Runs a forward proxy that answers every request through the interception pipeline.
Documents are rewritten with the configured user scripts. Channel methods are served
as POST http://<control host>/<method> with JSON arguments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.SetProxyListenAddr(listen)
			}
			logger := observability.GetLogger()

			p, err := newPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			proxyCfg, err := proxyConfig(cfg, p)
			if err != nil {
				return err
			}
			srv, err := proxy.New(proxyCfg, p.interceptor, p.payloads, p.router, logger)
			if err != nil {
				return err
			}

			addr := cfg.Proxy().ListenAddr
			logger.Info("Starting interception proxy.", zap.String("addr", addr), zap.String("control_host", proxyCfg.ControlHost))
			return srv.ListenAndServe(ctx, addr)
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides proxy.listen_addr)")
	return serveCmd
}

// proxyConfig loads the CA material named by the configuration.
func proxyConfig(cfg config.Interface, p *pipeline) (proxy.Config, error) {
	pc := cfg.Proxy()
	out := proxy.Config{
		ControlHost: pc.ControlHost,
		Upstream:    p.clientCfg,
	}
	if pc.CACert == "" {
		return out, nil
	}

	var err error
	if out.CACert, err = os.ReadFile(pc.CACert); err != nil {
		return out, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if out.CAKey, err = os.ReadFile(pc.CAKey); err != nil {
		return out, fmt.Errorf("failed to read CA key: %w", err)
	}
	return out, nil
}
