package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// Options selects and configures a driver.
type Options struct {
	Driver string
	Path   string
	Redis  RedisOptions
}

// Open creates and initializes the configured storage. An initialization
// failure is logged and yields disabled storage rather than an error; only an
// unknown driver name is an error.
func Open(opts Options, logger *slog.Logger) (Storage, error) {
	var s Storage
	switch opts.Driver {
	case "", DriverSQLite:
		s = NewSQLiteStorage(opts.Path, logger)
	case DriverRedis:
		s = NewRedisStorage(opts.Redis, logger)
	case DriverNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected sqlite, redis or none)", opts.Driver)
	}

	// Init disables the storage on failure; operations then become no-ops.
	s.Init()
	return s, nil
}

// Nop stores nothing.
type Nop struct{}

func (Nop) Init() error { return nil }

func (Nop) Load(ctx context.Context) ([]detection.Detection, error) {
	return []detection.Detection{}, nil
}

func (Nop) Save(ctx context.Context, detections []detection.Detection) error { return nil }

func (Nop) Close() error { return nil }
