package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// DefaultRedisKey is the list holding the saved records.
const DefaultRedisKey = "weapon-watch:detections"

// RedisOptions configures RedisStorage.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStorage implements Storage as a Redis list, newest record at index 0.
type RedisStorage struct {
	opts    RedisOptions
	client  *redis.Client
	enabled bool
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewRedisStorage creates a Redis storage instance. Call Init to connect.
func NewRedisStorage(opts RedisOptions, logger *slog.Logger) *RedisStorage {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	return &RedisStorage{
		opts:    opts,
		enabled: opts.Addr != "",
		logger:  logger,
	}
}

// Init connects and pings the server. On failure the storage is disabled.
func (r *RedisStorage) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       r.opts.Addr,
		Password:   r.opts.Password,
		DB:         r.opts.DB,
		MaxRetries: 3,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		r.enabled = false
		err = fmt.Errorf("failed to connect to redis at %s: %w", r.opts.Addr, err)
		r.logger.Warn("redis storage disabled", "error", err)
		return err
	}

	r.client = client
	return nil
}

// Enabled reports whether the storage is usable.
func (r *RedisStorage) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && r.client != nil
}

// Save replaces the list atomically with DEL + RPUSH inside MULTI.
func (r *RedisStorage) Save(ctx context.Context, detections []detection.Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || r.client == nil {
		return nil
	}

	values := make([]interface{}, 0, len(detections))
	for _, d := range detections {
		payload, err := detectionToJSON(d)
		if err != nil {
			return err
		}
		values = append(values, payload)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.opts.Key)
		if len(values) > 0 {
			pipe.RPush(ctx, r.opts.Key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save detections to redis: %w", err)
	}
	return nil
}

// Load reads the whole list. Entries that fail to decode are skipped.
func (r *RedisStorage) Load(ctx context.Context) ([]detection.Detection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || r.client == nil {
		return []detection.Detection{}, nil
	}

	payloads, err := r.client.LRange(ctx, r.opts.Key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load detections from redis: %w", err)
	}

	out := make([]detection.Detection, 0, len(payloads))
	for i, payload := range payloads {
		d, err := jsonToDetection(payload)
		if err != nil {
			r.logger.Warn("skipping unreadable detection", "index", i, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Close closes the client.
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
