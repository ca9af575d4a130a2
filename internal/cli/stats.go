package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/analytics"
	"github.com/khanglvm/weapon-watch/internal/store"
)

// NewStatsCmd creates the 'stats' command.
func NewStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the detection history",
		Long: `Load the backend history and print the dashboard statistics: totals,
average confidence, a 7-day activity series, per-source counts and
confidence bands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadHistory(cmd)
			if err != nil {
				return err
			}
			report := analytics.Summarize(st.Detections(), time.Now())

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					Stats     store.Stats      `json:"stats"`
					Analytics analytics.Report `json:"analytics"`
				}{st.Stats(), report})
			}
			printReport(out, st.Stats(), report)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func printReport(w io.Writer, stats store.Stats, r analytics.Report) {
	fmt.Fprintf(w, "Total detections:   %d\n", stats.TotalDetections)
	fmt.Fprintf(w, "Average confidence: %s\n", percent(stats.AvgConfidence))
	fmt.Fprintf(w, "Weapons found:      %d\n", r.TotalWeapons)
	fmt.Fprintf(w, "Avg processing:     %.3fs\n", r.AvgProcessingTime)
	fmt.Fprintf(w, "Confidence:         %d high, %d medium, %d low\n",
		r.HighConfidence, r.MediumConfidence, r.LowConfidence)

	fmt.Fprintf(w, "\nLast %d days (%d detections, %d with weapons):\n", analytics.Days, r.WeekDetections, r.WeekWeapons)
	peak := 0
	for _, d := range r.Daily {
		if d.Detections > peak {
			peak = d.Detections
		}
	}
	for _, d := range r.Daily {
		fmt.Fprintf(w, "  %s  %4d  %s\n", d.Label, d.Detections, bar(d.Detections, peak, 30))
	}

	fmt.Fprintln(w, "\nBy source:")
	for _, s := range r.Sources {
		fmt.Fprintf(w, "  %-13s %4d  (%d with weapons)\n", s.Source, s.Count, s.WithWeapons)
	}

	fmt.Fprintln(w, "\nConfidence bands:")
	for _, b := range r.Bands {
		fmt.Fprintf(w, "  %-8s %4d\n", b.Label, b.Count)
	}
}

func bar(n, peak, width int) string {
	if peak == 0 || n == 0 {
		return ""
	}
	size := n * width / peak
	if size == 0 {
		size = 1
	}
	return strings.Repeat("█", size)
}
