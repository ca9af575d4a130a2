package config

import (
	"fmt"
	"io/fs"
	"strings"
)

// PermissionError reports a config file or directory the process cannot
// read or write. It unwraps to fs.ErrPermission.
type PermissionError struct {
	Path    string
	Op      string // "read" or "write"
	Fix     string // shell command that restores access
	Details string
}

func (e *PermissionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "weapon-watch cannot %s config at %s: permission denied\n", e.Op, e.Path)
	if e.Details != "" {
		b.WriteString(e.Details + "\n")
	}
	b.WriteString("💡 Fix: " + e.Fix)
	return b.String()
}

func (e *PermissionError) Unwrap() error { return fs.ErrPermission }

// ConfigNotFoundError reports a missing config file. It unwraps to
// fs.ErrNotExist so callers can fall back to defaults.
type ConfigNotFoundError struct {
	Path string
	Hint string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found: %s\n\n💡 %s", e.Path, e.Hint)
}

func (e *ConfigNotFoundError) Unwrap() error { return fs.ErrNotExist }

// InvalidConfigError wraps a parse or validation failure.
type InvalidConfigError struct {
	Path string
	Err  error
	Hint string
}

func (e *InvalidConfigError) Error() string {
	msg := fmt.Sprintf("invalid config: %s\n", e.Path)
	if e.Err != nil {
		msg += e.Err.Error() + "\n"
	}
	if e.Hint != "" {
		msg += "💡 " + e.Hint
	}
	return msg
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }
