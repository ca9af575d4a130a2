/*
Package cli implements the weapon-watch subcommands.

Every command reads its settings through the global --config flag. Commands
that talk to the backend create their own client; only watch runs the full
dashboard with the push channel, poller and local API.
*/
package cli

import (
	"fmt"

	"github.com/khanglvm/weapon-watch/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the 'version' command
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the current version, commit hash, and build date.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, d := version.GetVersionComponents()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:  %s\n", v)
			fmt.Fprintf(out, "Commit:   %s\n", c)
			fmt.Fprintf(out, "Built:    %s\n", d)
			return nil
		},
	}

	return cmd
}
