package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/khanglvm/weapon-watch/internal/config"
)

// NewConfigCmd creates the 'config' command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration file",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		url   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Example: `  weapon-watch config init
  weapon-watch config init --url http://192.168.1.20:8000
  weapon-watch --config ./weapon-watch.yaml config init`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvedConfigPath()
			if err != nil {
				return fmt.Errorf("failed to get config path: %w", err)
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.NewConfig()
			if url != "" {
				cfg.Backend.URL = url
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file (a .bak copy is kept)")
	cmd.Flags().StringVar(&url, "url", "", "Backend URL to store")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  `Print the configuration after defaults and environment overrides are applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return printJSON(out, cfg)
			case "yaml":
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("unknown format %q (expected json or yaml)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format: json or yaml")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvedConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
