package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/backend"
	"github.com/khanglvm/weapon-watch/internal/config"
)

// configPath is set by the global --config flag. Empty means the default.
var configPath string

// AddGlobalFlags registers the flags shared by every command on root.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.weapon-watch.json, .yaml/.yml for YAML)")
}

// loadConfig reads the configured file, or defaults if it does not exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the path commands read and write.
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetDefaultConfigPath()
}

func newClient(cfg *config.Config) (*backend.Client, error) {
	return backend.New(cfg.Backend.URL, backend.WithTimeout(cfg.BackendTimeout()))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a yes/no question on in. An empty answer means no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func percent(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}
