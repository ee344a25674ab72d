package cmd

import (
	"github.com/spf13/cobra"

	"llm-relay/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := server.New(a.cfg, a.router, a.chat, a.logger.Named("server"))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 0, "override server.port from configuration")
	return cmd
}
