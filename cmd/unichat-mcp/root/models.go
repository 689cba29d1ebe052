package root

import (
	"fmt"
	"text/tabwriter"

	"github.com/amidabuddha/unichat-mcp-server/chat"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VENDOR\tMODEL")
			for _, m := range chat.Models() {
				fmt.Fprintf(w, "%s\t%s\n", m.Vendor, m.Name)
			}
			return w.Flush()
		},
	}
}
