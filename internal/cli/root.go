package cli

import (
	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/version"
)

// NewRootCmd assembles the weapon-watch command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "weapon-watch",
		Short: "Live client for a weapon-detection backend",
		Long: `weapon-watch is a headless client for a weapon-detection backend.

It keeps a live push channel to the backend with automatic reconnection,
caches the detection history locally, persists the most recent records and
serves stats and analytics over a small local JSON API for any dashboard
front end.`,
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(NewWatchCmd())
	rootCmd.AddCommand(NewHistoryCmd())
	rootCmd.AddCommand(NewDetectCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewModelCmd())
	rootCmd.AddCommand(NewStatsCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}
