// File: cmd/ca.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/interceptor/internal/certs"
)

func newCACmd() *cobra.Command {
	var (
		out      string
		name     string
		validity time.Duration
	)

	caCmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a certificate authority for HTTPS interception",
		Long: `Writes ca.pem and ca.key into the output directory. Point proxy.ca_cert and
proxy.ca_key at them and trust ca.pem in the browser to intercept HTTPS traffic.`,
		Args: cobra.NoArgs,
		// Skip configuration loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certs.NewCA(name, validity)
			if err != nil {
				return err
			}
			certPath, keyPath, err := ca.WriteFiles(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nkey:         %s\n", certPath, keyPath)
			return nil
		},
	}

	caCmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	caCmd.Flags().StringVar(&name, "name", "Interceptor Proxy CA", "certificate common name")
	caCmd.Flags().DurationVar(&validity, "validity", certs.DefaultValidity, "certificate lifetime")
	return caCmd
}
