package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/connection"
	"github.com/khanglvm/weapon-watch/internal/store"
)

// NewStatusCmd creates the 'status' command.
func NewStatusCmd() *cobra.Command {
	var (
		push    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check backend health and the push channel",
		Long: `Check that the detection backend is reachable.

With --push the command also opens the push channel, going through the same
probe, connect and backoff cycle as watch, and prints every status change
until the channel is connected or the backend is declared offline.`,
		Example: `  weapon-watch status
  weapon-watch status --push`,
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
			ctx := commandContext(cmd)
			fmt.Fprintf(out, "Backend:      %s\n", client.BaseURL())
			fmt.Fprintf(out, "Push channel: %s\n", client.WebsocketURL())

			healthErr := client.Health(ctx)
			if healthErr != nil {
				fmt.Fprintf(out, "Health:       ✗ %v\n", healthErr)
			} else {
				fmt.Fprintln(out, "Health:       ✓ healthy")
			}

			if !push {
				return healthErr
			}

			cc := cfg.ConnectionConfig()
			m := connection.NewManager(cc,
				connection.ProberFunc(client.Probe),
				connection.NewWebsocketDialer(client.WebsocketURL()),
				store.New(nil),
				connection.WithLogger(cfg.Logging.NewLogger(io.Discard)),
			)
			snap := watchConnection(ctx, m, out, timeout)
			if !snap.IsConnected {
				return fmt.Errorf("push channel unavailable: %s", snap.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&push, "push", "p", false, "Also open the push channel")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up on the push channel after this long")

	return cmd
}

// watchConnection runs m until it settles in Connected, Offline or Idle, or
// until timeout, printing each status change. It returns the final snapshot.
func watchConnection(ctx context.Context, m *connection.Manager, out io.Writer, timeout time.Duration) connection.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	settled := make(chan connection.Snapshot, 1)
	last := ""
	unsubscribe := m.Subscribe(func(s connection.Snapshot) {
		if s.Status != last {
			last = s.Status
			fmt.Fprintf(out, "  → %s\n", s.Status)
		}
		switch s.State {
		case connection.Connected, connection.Offline, connection.Idle:
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	var snap connection.Snapshot
	select {
	case snap = <-settled:
	case <-ctx.Done():
		snap = m.Snapshot()
	}
	m.Close()
	<-done
	return snap
}
