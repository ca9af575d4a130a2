package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/store"
)

// NewHistoryCmd creates the 'history' command group.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse and manage the backend detection history",
		Long:  `List, inspect, delete and clear detection records stored by the backend.`,
	}

	cmd.AddCommand(newHistoryListCmd())
	cmd.AddCommand(newHistoryShowCmd())
	cmd.AddCommand(newHistoryDeleteCmd())
	cmd.AddCommand(newHistoryClearCmd())
	cmd.AddCommand(newHistoryImageCmd())

	return cmd
}

func newHistoryListCmd() *cobra.Command {
	var (
		search     string
		source     string
		weapons    string
		sort       string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List detection records",
		Example: `  weapon-watch history list
  weapon-watch history ls --weapons weapons --sort confidence
  weapon-watch history list --source webcam --search knife --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.Filter{Search: search}
			if source != "" && source != "all" {
				st, ok := detection.ParseSourceType(source)
				if !ok {
					return fmt.Errorf("unknown source %q (expected image, video or webcam)", source)
				}
				filter.Source = st
			}
			w, err := store.ParseWeaponsFilter(weapons)
			if err != nil {
				return err
			}
			filter.Weapons = w
			order, err := store.ParseSortOrder(sort)
			if err != nil {
				return err
			}
			filter.Sort = order

			st, err := loadHistory(cmd)
			if err != nil {
				return err
			}
			records := st.Query(filter)
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			printDetections(cmd.OutOrStdout(), records, st.Stats().TotalDetections)
			return nil
		},
	}

	cmd.Flags().StringVarP(&search, "search", "s", "", "Match id or class name (case-insensitive)")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source: image, video, webcam")
	cmd.Flags().StringVarP(&weapons, "weapons", "w", "", "Filter by weapons: all, weapons, no-weapons")
	cmd.Flags().StringVar(&sort, "sort", "", "Sort order: newest, oldest, confidence, weapons")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n records")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

// loadHistory fetches the backend history into a fresh store. A failed
// load is returned as an error since there is no cache to fall back on.
func loadHistory(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	st := store.New(client, store.WithLoadTimeout(cfg.LoadTimeout()))
	st.LoadHistory(commandContext(cmd))
	if msg := st.State().Error; msg != "" {
		return nil, fmt.Errorf("failed to load history from %s: %s", cfg.Backend.URL, msg)
	}
	return st, nil
}

func printDetections(w io.Writer, records []detection.Detection, total int) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No detections found.")
		return
	}

	fmt.Fprintf(w, "Detections (%d of %d):\n\n", len(records), total)
	for _, d := range records {
		mark := " "
		if d.HasWeapons() {
			mark = "!"
		}
		fmt.Fprintf(w, "%s %-36s  %s  %-12s  %d weapon(s)  max %4s",
			mark, d.ID, formatTime(d), d.SourceType, d.WeaponCount, percent(d.MaxConfidence()))
		if len(d.ClassNames) > 0 {
			fmt.Fprintf(w, "  %s", strings.Join(d.ClassNames, ", "))
		}
		fmt.Fprintln(w)
	}
}

func formatTime(d detection.Detection) string {
	if d.Timestamp.IsZero() {
		return "-------------------"
	}
	return d.Time().Local().Format("2006-01-02 15:04:05")
}

func newHistoryShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one detection record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			d, err := client.Detection(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to get detection: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, d)
			}
			fmt.Fprintf(out, "ID:         %s\n", d.ID)
			fmt.Fprintf(out, "Time:       %s\n", formatTime(d))
			fmt.Fprintf(out, "Source:     %s\n", d.SourceType)
			fmt.Fprintf(out, "Weapons:    %d\n", d.WeaponCount)
			fmt.Fprintf(out, "Processing: %.3fs\n", d.ProcessingTime)
			for i, score := range d.ConfidenceScores {
				class := ""
				if i < len(d.ClassNames) {
					class = d.ClassNames[i]
				}
				fmt.Fprintf(out, "  %-12s %s\n", class, percent(score))
			}
			if d.ImagePath != "" {
				fmt.Fprintf(out, "Image:      %s\n", d.ImagePath)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newHistoryDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a detection record on the backend",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			if err := client.DeleteDetection(commandContext(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to delete detection: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted detection '%s'\n", args[0])
			return nil
		},
	}
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	var noConfirm bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every detection record on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !noConfirm && !confirm(cmd.InOrStdin(), out, "Clear all detection history on "+cfg.Backend.URL+"?") {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}

			if err := client.ClearHistory(commandContext(cmd)); err != nil {
				return fmt.Errorf("failed to clear history: %w", err)
			}
			fmt.Fprintln(out, "✓ Detection history cleared")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func newHistoryImageCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Download the annotated image of a detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			data, err := client.Image(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to download image: %w", err)
			}

			if output == "" {
				output = args[0] + ".jpg"
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %s (%d bytes)\n", output, len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <id>.jpg)")
	return cmd
}
