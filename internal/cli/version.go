package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the CLI version, overridable at build time via
// -ldflags "-X github.com/loomstack/loom/internal/cli.Version=...".
var Version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom v%s\nmodule: github.com/loomstack/loom\n", Version)
		},
	}
}
