package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/config"
	"github.com/khanglvm/weapon-watch/internal/dashboard"
	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/storage"
)

// NewDetectCmd creates the 'detect' command for uploading media.
func NewDetectCmd() *cobra.Command {
	var (
		conf       float64
		frameSkip  int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Run weapon detection on an image or video",
		Long: `Upload an image or video to the backend for weapon detection.

The file type is detected from its content: images go to the image
endpoint and are answered immediately, videos are queued as a job.`,
		Example: `  weapon-watch detect photo.jpg
  weapon-watch detect clip.mp4 --conf 0.4 --frame-skip 5
  weapon-watch detect frame snapshot.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cfg, err := newOneShotDashboard()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("conf") {
				conf = cfg.Backend.Confidence
			}
			if !cmd.Flags().Changed("frame-skip") {
				frameSkip = cfg.Backend.FrameSkip
			}

			res, err := d.Upload(commandContext(cmd), args[0], conf, frameSkip)
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			if res.Job != nil {
				fmt.Fprintf(out, "✓ Video queued as job %s (%s)\n", res.Job.JobID, res.Job.Status)
				if res.Job.Message != "" {
					fmt.Fprintf(out, "  %s\n", res.Job.Message)
				}
				return nil
			}
			printResult(out, filepath.Base(args[0]), res.Detection.WeaponCount,
				res.Detection.ConfidenceScores, res.Detection.ClassNames, res.Detection.ProcessingTime)
			return nil
		},
	}

	cmd.Flags().Float64Var(&conf, "conf", 0, "Confidence threshold (default backend.confidence)")
	cmd.Flags().IntVar(&frameSkip, "frame-skip", 0, "Analyse every nth video frame (default backend.frameSkip)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	cmd.AddCommand(newDetectFrameCmd())
	return cmd
}

func newDetectFrameCmd() *cobra.Command {
	var (
		conf       float64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "frame <file>",
		Short: "Analyse a single camera frame",
		Long:  `Send one captured frame to the live-frame endpoint. Frames with weapons are reported as Webcam detections.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cfg, err := newOneShotDashboard()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("conf") {
				conf = cfg.Backend.Confidence
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read frame: %w", err)
			}

			result, det, err := d.DetectFrame(commandContext(cmd), filepath.Base(args[0]), data, conf)
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					Result    detection.FrameResult `json:"result"`
					Detection *detection.Detection  `json:"detection,omitempty"`
				}{result, det})
			}
			classes := make([]string, 0, len(result.Detections))
			for _, box := range result.Detections {
				classes = append(classes, box.ClassName)
			}
			printResult(out, filepath.Base(args[0]), result.WeaponCount, result.ConfidenceScores, classes, result.ProcessingTime)
			return nil
		},
	}

	cmd.Flags().Float64Var(&conf, "conf", 0, "Confidence threshold (default backend.confidence)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

// newOneShotDashboard builds a dashboard that persists nothing, so a single
// upload never replaces the records kept by watch.
func newOneShotDashboard() (*dashboard.Dashboard, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logging.NewLogger(io.Discard)
	if cfg.Logging.Level == "debug" {
		logger = cfg.Logging.NewLogger(os.Stderr)
	}
	d, err := dashboard.New(cfg, logger, dashboard.WithStorage(storage.Nop{}))
	if err != nil {
		return nil, nil, err
	}
	return d, cfg, nil
}

func printResult(w io.Writer, name string, weapons int, scores []float64, classes []string, processing float64) {
	if weapons == 0 {
		fmt.Fprintf(w, "✓ %s: no weapons detected (%.3fs)\n", name, processing)
		return
	}
	fmt.Fprintf(w, "⚠ %s: %d weapon(s) detected (%.3fs)\n", name, weapons, processing)
	for i, score := range scores {
		class := "weapon"
		if i < len(classes) && classes[i] != "" {
			class = classes[i]
		}
		fmt.Fprintf(w, "  %-12s %s\n", class, percent(score))
	}
}
