package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "llm-relay",
		Short:         "Chat backend that relays conversations to LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML configuration file (or RELAY_CONFIG)")
	root.PersistentFlags().String("log-level", "", "override log.level from configuration")

	root.AddCommand(newServeCommand(), newChatCommand(), newModelsCommand())
	return root
}
