/*
Package dashboard wires the client state core together: backend client,
detection store, persistence, push channel, history poller and local API.

A Dashboard is what the watch command runs. Commands that only need a single
backend call use the backend client directly instead.
*/
package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/khanglvm/weapon-watch/internal/api"
	"github.com/khanglvm/weapon-watch/internal/backend"
	"github.com/khanglvm/weapon-watch/internal/config"
	"github.com/khanglvm/weapon-watch/internal/connection"
	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/metrics"
	"github.com/khanglvm/weapon-watch/internal/storage"
	"github.com/khanglvm/weapon-watch/internal/store"
)

// Dashboard owns every long-lived component.
type Dashboard struct {
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
	client  *backend.Client
	storage storage.Storage
	store   *store.Store
	metrics *metrics.Metrics
	manager *connection.Manager
	api     *api.Server
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithStorage replaces the storage selected by the config.
func WithStorage(s storage.Storage) Option {
	return func(d *Dashboard) { d.storage = s }
}

// WithClock overrides the time source for the store, API and webcam records.
func WithClock(now func() time.Time) Option {
	return func(d *Dashboard) { d.now = now }
}

// New builds all components from cfg. Nothing touches the network until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Dashboard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dashboard{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	client, err := backend.New(cfg.Backend.URL, backend.WithTimeout(cfg.BackendTimeout()))
	if err != nil {
		return nil, err
	}
	d.client = client

	if d.storage == nil {
		s, err := storage.Open(cfg.StorageOptions(), logger.With("component", "storage"))
		if err != nil {
			return nil, err
		}
		d.storage = s
	}

	d.metrics = metrics.New()
	d.store = store.New(client,
		store.WithPersister(d.storage),
		store.WithLogger(logger.With("component", "store")),
		store.WithClock(d.now),
		store.WithLoadTimeout(cfg.LoadTimeout()),
		store.WithRecentWindow(cfg.RecentWindow()),
		store.WithRecentLimit(cfg.History.RecentLimit),
		store.WithPersistLimit(cfg.History.PersistLimit),
		store.WithMetrics(d.metrics),
	)

	var conn api.Connection
	if cfg.Connection.Enabled {
		d.manager = connection.NewManager(
			cfg.ConnectionConfig(),
			connection.ProberFunc(client.Probe),
			connection.NewWebsocketDialer(client.WebsocketURL()),
			d.store,
			connection.WithLogger(logger.With("component", "connection")),
			connection.WithMetrics(d.metrics),
		)
		conn = d.manager
	}

	d.api = api.NewServer(d.store, conn, d,
		api.WithLogger(logger.With("component", "api")),
		api.WithMetrics(d.metrics),
		api.WithClock(d.now),
	)
	return d, nil
}

// Store returns the detection store.
func (d *Dashboard) Store() *store.Store { return d.store }

// Client returns the backend client.
func (d *Dashboard) Client() *backend.Client { return d.client }

// Manager returns the connection manager, nil when the push channel is
// disabled.
func (d *Dashboard) Manager() *connection.Manager { return d.manager }

// API returns the local API server.
func (d *Dashboard) API() *api.Server { return d.api }

// Run hydrates the cache, loads history and then runs the push channel, the
// history poller and the local API until ctx is cancelled. Storage is closed
// on return.
func (d *Dashboard) Run(ctx context.Context) error {
	defer func() {
		if err := d.storage.Close(); err != nil {
			d.logger.Warn("failed to close storage", "error", err)
		}
	}()

	if err := d.store.Hydrate(ctx); err != nil {
		d.logger.Warn("failed to restore persisted detections", "error", err)
	}
	d.store.LoadHistory(ctx)
	if msg := d.store.State().Error; msg != "" {
		d.logger.Warn("initial history load failed", "error", msg)
	}

	g, ctx := errgroup.WithContext(ctx)

	if d.manager != nil {
		g.Go(func() error { return d.manager.Run(ctx) })
	}

	if interval := d.cfg.PollInterval(); interval > 0 {
		g.Go(func() error {
			d.poll(ctx, interval)
			return nil
		})
	} else {
		g.Go(func() error {
			d.refresh(ctx, refreshInterval)
			return nil
		})
	}

	if d.cfg.Server.Enabled {
		g.Go(func() error { return d.api.Run(ctx, d.cfg.Server.Addr) })
	}

	return g.Wait()
}

// poll reloads history every interval until ctx is done.
func (d *Dashboard) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.LoadHistory(ctx)
		}
	}
}

// refreshInterval ages the recent view when history polling is off.
const refreshInterval = time.Minute

// refresh recomputes the store's derived views every interval so records
// leave the recent window without a mutation.
func (d *Dashboard) refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.Refresh()
		}
	}
}

// DeleteDetection deletes id on the backend and, only on success, from the
// local cache.
func (d *Dashboard) DeleteDetection(ctx context.Context, id string) error {
	if err := d.client.DeleteDetection(ctx, id); err != nil {
		return err
	}
	d.store.RemoveDetection(id)
	return nil
}

// ClearHistory clears the backend history and, only on success, the local
// cache.
func (d *Dashboard) ClearHistory(ctx context.Context) error {
	if err := d.client.ClearHistory(ctx); err != nil {
		return err
	}
	d.store.ClearHistory()
	return nil
}

// UploadResult is the outcome of Upload. Exactly one of Detection and Job
// is set.
type UploadResult struct {
	Media     backend.MediaInfo    `json:"media"`
	Detection *detection.Detection `json:"detection,omitempty"`
	Job       *detection.VideoJob  `json:"job,omitempty"`
}

// Upload sends the file at path to the image or video endpoint depending on
// its content. An image result with weapons is added to the cache.
func (d *Dashboard) Upload(ctx context.Context, path string, conf float64, frameSkip int) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := backend.SniffMedia(f)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%s: %w", path, err)
	}

	res := UploadResult{Media: info}
	name := filepath.Base(path)

	switch info.Kind {
	case backend.MediaImage:
		det, err := d.client.DetectImage(ctx, name, f, conf)
		if err != nil {
			return res, err
		}
		if det.HasWeapons() {
			d.store.AddDetection(det)
		}
		res.Detection = &det
	case backend.MediaVideo:
		job, err := d.client.DetectVideo(ctx, name, f, conf, frameSkip)
		if err != nil {
			return res, err
		}
		res.Job = &job
	default:
		return res, backend.ErrUnsupportedMedia
	}
	return res, nil
}

// DetectFrame analyses one webcam frame. When weapons are present a Webcam
// record is added to the cache and returned.
func (d *Dashboard) DetectFrame(ctx context.Context, name string, frame []byte, conf float64) (detection.FrameResult, *detection.Detection, error) {
	result, err := d.client.DetectFrame(ctx, name, bytes.NewReader(frame), conf)
	if err != nil {
		return result, nil, err
	}
	if result.WeaponCount == 0 {
		return result, nil, nil
	}
	det := detection.FromFrame(result, d.now())
	d.store.AddDetection(det)
	return result, &det, nil
}
