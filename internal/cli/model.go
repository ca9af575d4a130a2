package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewModelCmd creates the 'model' command.
func NewModelCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show the backend's detection model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			info, err := client.ModelInfo(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to get model info: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, info)
			}

			fmt.Fprintf(out, "Model:   %s\n", info.ModelPath)
			fmt.Fprintf(out, "Classes (%d):\n", len(info.ClassNames))
			ids := make([]int, 0, len(info.ClassNames))
			for id := range info.ClassNames {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "  %3d  %s\n", id, info.ClassNames[id])
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}
