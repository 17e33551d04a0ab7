// File: cmd/cdp.go
package cmd

import (
	"context"

	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/cdpbridge"
	"github.com/xkilldash9x/interceptor/internal/config"
	"github.com/xkilldash9x/interceptor/internal/observability"
)

func newCDPCmd() *cobra.Command {
	var remote string

	cdpCmd := &cobra.Command{
		Use:   "cdp [url]",
		Short: "Drive a Chrome tab through the interception pipeline",
		Long: `Attaches to a browser over the DevTools protocol and answers every paused request
through the interception pipeline. Without --remote a local browser is started.
The command runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("remote") {
				cfg.SetCDPRemoteURL(remote)
			}
			logger := observability.GetLogger()

			p, err := newPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			allocCtx, allocCancel := newAllocator(ctx, cfg.CDP())
			defer allocCancel()
			tabCtx, tabCancel := chromedp.NewContext(allocCtx)
			defer tabCancel()

			bridge := cdpbridge.New(p.interceptor, p.payloads, logger)
			if err := bridge.Attach(tabCtx); err != nil {
				return err
			}
			defer bridge.Wait()

			if len(args) == 1 {
				logger.Info("Navigating.", zap.String("url", args[0]))
				if err := chromedp.Run(tabCtx, chromedp.Navigate(args[0])); err != nil {
					return err
				}
			}

			logger.Info("Browser attached, serving paused requests.")
			<-tabCtx.Done()
			return nil
		},
	}

	cdpCmd.Flags().StringVar(&remote, "remote", "", "DevTools websocket URL of a running browser (overrides cdp.remote_url)")
	return cdpCmd
}

func newAllocator(ctx context.Context, cfg config.CDPConfig) (context.Context, context.CancelFunc) {
	if cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
	)
	return chromedp.NewExecAllocator(ctx, opts...)
}
