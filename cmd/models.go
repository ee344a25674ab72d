package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tMAX OUTPUT\tINPUT $/M\tOUTPUT $/M")
			for _, m := range a.router.Registry().Models() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\t%.2f\n",
					m.Provider, m.ID, m.ContextWindow, m.MaxOutputTokens,
					m.Pricing.InputPerMillion, m.Pricing.OutputPerMillion)
			}
			return w.Flush()
		},
	}
}
