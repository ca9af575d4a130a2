package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// LoadFrom reads config with enhanced error handling. Fields absent from the
// file keep their defaults and environment overrides are applied last.
func LoadFrom(path string) (*Config, error) {
	// Check file existence first
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{
				Path: path,
				Hint: "Run 'weapon-watch config init' to create configuration",
			}
		}
		return nil, fmt.Errorf("failed to access config: %w", err)
	}

	// Check read permissions
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &PermissionError{
				Path:    path,
				Op:      "read",
				Fix:     getReadPermissionFix(path),
				Details: getPermissionDetails(path),
			}
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decode(path, data)
	if err != nil {
		return nil, &InvalidConfigError{
			Path: path,
			Err:  err,
			Hint: "Restore from .bak file if available",
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, &InvalidConfigError{
			Path: path,
			Err:  err,
			Hint: "Fix the value or run 'weapon-watch config init --force' to start over",
		}
	}

	return cfg, nil
}

// decode parses data on top of the defaults, as YAML or JSON by extension.
func decode(path string, data []byte) (*Config, error) {
	cfg := NewConfig()
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("YAML parse error: %v", err)
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %v", err)
	}
	return cfg, nil
}

// encode renders cfg in the format matching path.
func encode(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// getReadPermissionFix returns platform-specific fix command
func getReadPermissionFix(path string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf("Right-click %s → Properties → Security → Edit permissions", path)
	default: // unix-like
		return fmt.Sprintf("Run: chmod 644 %s", path)
	}
}

// getPermissionDetails checks file ownership and permissions
func getPermissionDetails(path string) string {
	if runtime.GOOS == "windows" {
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	return fmt.Sprintf("Current permissions: %04o", info.Mode().Perm())
}
