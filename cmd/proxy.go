package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/book-relay/internal/server"
)

// newProxyCmd creates the 'proxy' subcommand, which runs only the stateless
// download proxy.
func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Run the download proxy",
		Long: `Streams files from allowlisted upstream hosts to clients, adding CORS
headers and removing upstream cookies. Needs no browser, queue or store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := server.RunProxy(cmd.Context(), rt.cfg, rt.logger); err != nil {
				return fmt.Errorf("run proxy: %w", err)
			}
			return nil
		},
	}
}
