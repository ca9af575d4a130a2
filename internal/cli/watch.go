package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/connection"
	"github.com/khanglvm/weapon-watch/internal/dashboard"
	"github.com/khanglvm/weapon-watch/internal/store"
)

// NewWatchCmd creates the 'watch' command that runs the dashboard core.
func NewWatchCmd() *cobra.Command {
	var (
		addr   string
		noPush bool
		noAPI  bool
		poll   int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the live detection client and local API",
		Long: `Run the weapon-watch client until interrupted.

The client:
  • restores the last persisted detections
  • loads the detection history from the backend
  • keeps a push channel open for live detections, with backoff
  • reloads the history periodically
  • serves the derived views on a local JSON API

Live detections with weapons are logged as alerts.`,
		Example: `  weapon-watch watch
  weapon-watch watch --addr 127.0.0.1:9000
  weapon-watch watch --no-push --poll 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("poll") {
				cfg.History.PollSeconds = poll
			}
			if noPush {
				cfg.Connection.Enabled = false
			}
			if noAPI {
				cfg.Server.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())
			d, err := dashboard.New(cfg, logger)
			if err != nil {
				return err
			}

			// Setup signal handling for graceful shutdown
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			unsubscribe := logTransitions(d, logger.Info, logger.Warn)
			defer unsubscribe()

			if cfg.Server.Enabled {
				fmt.Fprintf(cmd.OutOrStdout(), "Local API on http://%s/api\n", cfg.Server.Addr)
			}
			return run(ctx, d)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Local API listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noPush, "no-push", false, "Do not open the push channel")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not serve the local API")
	cmd.Flags().IntVar(&poll, "poll", 0, "History reload interval in seconds, 0 disables (overrides history.pollSeconds)")

	return cmd
}

func run(ctx context.Context, d *dashboard.Dashboard) error {
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}
	return nil
}

type logFunc func(msg string, args ...any)

// logTransitions logs connection status changes and new weapon alerts.
func logTransitions(d *dashboard.Dashboard, info, warn logFunc) func() {
	var unsubs []func()

	if m := d.Manager(); m != nil {
		last := ""
		unsubs = append(unsubs, m.Subscribe(func(s connection.Snapshot) {
			if s.Status == last {
				return
			}
			last = s.Status
			info("connection status", "status", s.Status, "state", s.State.String())
		}))
	}

	// Store notifications may arrive from several goroutines.
	var mu sync.Mutex
	seen := make(map[string]bool)
	primed := false
	unsubs = append(unsubs, d.Store().Subscribe(func(s store.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.IsLoading {
			return
		}
		for _, det := range s.RecentDetections {
			if seen[det.ID] {
				continue
			}
			seen[det.ID] = true
			if primed && det.HasWeapons() {
				warn("weapon detected", "id", det.ID, "source", string(det.SourceType),
					"weapons", det.WeaponCount, "confidence", percent(det.MaxConfidence()))
			}
		}
		primed = true
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
