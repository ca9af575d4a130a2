/*
Package config handles loading and saving weapon-watch configuration.

Configuration is stored in ~/.weapon-watch.json. A path ending in .yaml or
.yml is read and written as YAML instead. Missing fields keep their defaults.

Schema:
  {
    "backend": {
      "url": "http://localhost:8000",
      "timeoutSeconds": 5,
      "confidence": 0.25,
      "frameSkip": 2
    },
    "connection": {
      "enabled": true,
      "maxAttempts": 3,
      "backoffBaseMillis": 1000,
      "backoffMaxMillis": 10000,
      "probeTimeoutSeconds": 3,
      "connectTimeoutSeconds": 5,
      "keepAliveSeconds": 30
    },
    "history": {
      "pollSeconds": 30,
      "loadTimeoutSeconds": 5,
      "persistLimit": 100,
      "recentWindowMinutes": 60,
      "recentLimit": 10
    },
    "storage": {
      "driver": "sqlite",
      "path": "~/.weapon-watch/detections.db",
      "redis": {"addr": "", "password": "", "db": 0, "key": "weapon-watch:detections"}
    },
    "server": {"enabled": true, "addr": "127.0.0.1:8090"},
    "logging": {"level": "info", "format": "text"}
  }

The environment variable WEAPON_WATCH_API_URL overrides backend.url.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/khanglvm/weapon-watch/internal/connection"
	"github.com/khanglvm/weapon-watch/internal/storage"
)

// EnvAPIURL overrides the backend URL when set.
const EnvAPIURL = "WEAPON_WATCH_API_URL"

// DefaultBackendURL is where the detection backend listens by default.
const DefaultBackendURL = "http://localhost:8000"

// Config represents the root configuration structure.
type Config struct {
	Backend    BackendConfig    `json:"backend" yaml:"backend"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	History    HistoryConfig    `json:"history" yaml:"history"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// BackendConfig locates the detection backend.
type BackendConfig struct {
	// URL is the HTTP base URL. The push channel is derived from it.
	URL string `json:"url" yaml:"url"`

	// TimeoutSeconds bounds every HTTP request.
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeoutSeconds"`

	// Confidence is the default conf_threshold for uploads.
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// FrameSkip is the default frame_skip for video uploads.
	FrameSkip int `json:"frameSkip" yaml:"frameSkip"`
}

// ConnectionConfig tunes the push channel.
type ConnectionConfig struct {
	// Enabled starts the push channel with the watch command.
	Enabled bool `json:"enabled" yaml:"enabled"`

	MaxAttempts           int `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffBaseMillis     int `json:"backoffBaseMillis" yaml:"backoffBaseMillis"`
	BackoffMaxMillis      int `json:"backoffMaxMillis" yaml:"backoffMaxMillis"`
	ProbeTimeoutSeconds   int `json:"probeTimeoutSeconds" yaml:"probeTimeoutSeconds"`
	ConnectTimeoutSeconds int `json:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
	KeepAliveSeconds      int `json:"keepAliveSeconds" yaml:"keepAliveSeconds"`
}

// HistoryConfig tunes the detection store.
type HistoryConfig struct {
	// PollSeconds is the history reload interval. 0 disables polling.
	PollSeconds int `json:"pollSeconds" yaml:"pollSeconds"`

	LoadTimeoutSeconds  int `json:"loadTimeoutSeconds" yaml:"loadTimeoutSeconds"`
	PersistLimit        int `json:"persistLimit" yaml:"persistLimit"`
	RecentWindowMinutes int `json:"recentWindowMinutes" yaml:"recentWindowMinutes"`
	RecentLimit         int `json:"recentLimit" yaml:"recentLimit"`
}

// StorageConfig selects where the persisted records live.
type StorageConfig struct {
	// Driver is sqlite, redis or none.
	Driver string `json:"driver" yaml:"driver"`

	// Path is the SQLite database file. Empty means the default location.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
}

// ServerConfig configures the local API.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level"`

	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// NewConfig creates a configuration populated with defaults.
func NewConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            DefaultBackendURL,
			TimeoutSeconds: 5,
			Confidence:     0.25,
			FrameSkip:      2,
		},
		Connection: ConnectionConfig{
			Enabled:               true,
			MaxAttempts:           3,
			BackoffBaseMillis:     1000,
			BackoffMaxMillis:      10000,
			ProbeTimeoutSeconds:   3,
			ConnectTimeoutSeconds: 5,
			KeepAliveSeconds:      30,
		},
		History: HistoryConfig{
			PollSeconds:         30,
			LoadTimeoutSeconds:  5,
			PersistLimit:        100,
			RecentWindowMinutes: 60,
			RecentLimit:         10,
		},
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			Redis:  RedisConfig{Key: storage.DefaultRedisKey},
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// GetDefaultConfigPath returns the path to ~/.weapon-watch.json
func GetDefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".weapon-watch.json"), nil
}

// Load reads the configuration from the default path.
func Load() (*Config, error) {
	configPath, err := GetDefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadOrDefault reads path, falling back to defaults when the file does not
// exist. Any other failure is returned. An empty path means the default path.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		p, err := GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = NewConfig()
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if url := strings.TrimSpace(os.Getenv(EnvAPIURL)); url != "" {
		c.Backend.URL = url
	}
}

// BackendTimeout is the per-request timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// ConnectionConfig converts the connection section for the manager.
func (c *Config) ConnectionConfig() connection.Config {
	cc := c.Connection
	return connection.Config{
		Policy: connection.Policy{
			MaxAttempts: cc.MaxAttempts,
			BackoffBase: time.Duration(cc.BackoffBaseMillis) * time.Millisecond,
			BackoffMax:  time.Duration(cc.BackoffMaxMillis) * time.Millisecond,
		},
		ProbeTimeout:      time.Duration(cc.ProbeTimeoutSeconds) * time.Second,
		ConnectTimeout:    time.Duration(cc.ConnectTimeoutSeconds) * time.Second,
		KeepAliveInterval: time.Duration(cc.KeepAliveSeconds) * time.Second,
	}
}

// PollInterval is the history reload interval, 0 when disabled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.History.PollSeconds) * time.Second
}

// LoadTimeout bounds one history fetch.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.History.LoadTimeoutSeconds) * time.Second
}

// RecentWindow is how long a record stays in the recent view.
func (c *Config) RecentWindow() time.Duration {
	return time.Duration(c.History.RecentWindowMinutes) * time.Minute
}

// StorageOptions converts the storage section for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Driver: c.Storage.Driver,
		Path:   expandHome(c.Storage.Path),
		Redis: storage.RedisOptions{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Key:      c.Storage.Redis.Key,
		},
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// isYAML reports whether path should be encoded as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
