package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/khanglvm/weapon-watch/internal/storage"
)

// Validate checks that every section holds usable values.
func (c *Config) Validate() error {
	if err := validateBackendURL(c.Backend.URL); err != nil {
		return err
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend.timeoutSeconds must be positive, got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.Confidence <= 0 || c.Backend.Confidence > 1 {
		return fmt.Errorf("backend.confidence must be in (0, 1], got %v", c.Backend.Confidence)
	}
	if c.Backend.FrameSkip < 1 {
		return fmt.Errorf("backend.frameSkip must be at least 1, got %d", c.Backend.FrameSkip)
	}

	cc := c.Connection
	if cc.MaxAttempts < 1 {
		return fmt.Errorf("connection.maxAttempts must be at least 1, got %d", cc.MaxAttempts)
	}
	if cc.BackoffBaseMillis <= 0 || cc.BackoffMaxMillis < cc.BackoffBaseMillis {
		return fmt.Errorf("connection backoff must satisfy 0 < backoffBaseMillis <= backoffMaxMillis, got %d/%d",
			cc.BackoffBaseMillis, cc.BackoffMaxMillis)
	}
	for name, v := range map[string]int{
		"connection.probeTimeoutSeconds":   cc.ProbeTimeoutSeconds,
		"connection.connectTimeoutSeconds": cc.ConnectTimeoutSeconds,
		"connection.keepAliveSeconds":      cc.KeepAliveSeconds,
		"history.loadTimeoutSeconds":       c.History.LoadTimeoutSeconds,
		"history.persistLimit":             c.History.PersistLimit,
		"history.recentWindowMinutes":      c.History.RecentWindowMinutes,
		"history.recentLimit":              c.History.RecentLimit,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.History.PollSeconds < 0 {
		return fmt.Errorf("history.pollSeconds must not be negative, got %d", c.History.PollSeconds)
	}

	switch c.Storage.Driver {
	case storage.DriverSQLite, storage.DriverNone:
	case storage.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite, redis or none, got %q", c.Storage.Driver)
	}

	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
			return fmt.Errorf("server.addr %q: %v", c.Server.Addr, err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("backend.url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url %q has no host", raw)
	}
	return nil
}
