/*
Package store is the client-side cache of detection records.

The Store is the single source of truth for records visible to presentation
components. It is mutated by push events, by user actions (upload results,
deletions) and by periodic full reloads of the backend history, and it
recomputes its derived views (recent detections and summary stats) on every
mutation before any subscriber is notified.

A bounded prefix of the records is handed to a Persister after each change so
the cache survives restarts; derived views and request status are never
persisted and are always recomputed on hydration.
*/
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/metrics"
)

const (
	// DefaultLoadTimeout bounds a single history fetch.
	DefaultLoadTimeout = 5 * time.Second

	// DefaultRecentWindow is how far back a record still counts as recent.
	DefaultRecentWindow = time.Hour

	// DefaultRecentLimit caps the recent view.
	DefaultRecentLimit = 10

	// DefaultPersistLimit caps the persisted prefix.
	DefaultPersistLimit = 100
)

// HistoryFetcher retrieves the full record set from the backend.
type HistoryFetcher interface {
	History(ctx context.Context) ([]detection.Detection, error)
}

// Persister durably stores the persisted prefix of the cache.
type Persister interface {
	Load(ctx context.Context) ([]detection.Detection, error)
	Save(ctx context.Context, detections []detection.Detection) error
	Close() error
}

// Stats are the aggregate values derived from the cache.
type Stats struct {
	TotalDetections int     `json:"totalDetections"`
	AvgConfidence   float64 `json:"avgConfidence"`
}

// State is a point-in-time copy of the store.
type State struct {
	Detections       []detection.Detection `json:"detections"`
	RecentDetections []detection.Detection `json:"recentDetections"`
	Stats            Stats                 `json:"stats"`
	IsLoading        bool                  `json:"isLoading"`
	Error            string                `json:"error,omitempty"`
}

// Store holds detection records and their derived views.
type Store struct {
	mu         sync.RWMutex
	detections []detection.Detection
	recent     []detection.Detection
	stats      Stats
	loading    bool
	errMsg     string

	fetcher   HistoryFetcher
	persister Persister
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	loadTimeout  time.Duration
	recentWindow time.Duration
	recentLimit  int
	persistLimit int

	// version increases on every recompute so persistence never writes
	// an older snapshot over a newer one.
	version   uint64
	persistMu sync.Mutex
	persisted uint64

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSubID   int
}

// Option configures a Store.
type Option func(*Store)

// WithPersister persists the bounded prefix after every change.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used for the recent view.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLoadTimeout bounds LoadHistory.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Store) { s.loadTimeout = d }
}

// WithRecentWindow sets how long a record stays in the recent view.
func WithRecentWindow(d time.Duration) Option {
	return func(s *Store) { s.recentWindow = d }
}

// WithRecentLimit caps the recent view.
func WithRecentLimit(n int) Option {
	return func(s *Store) { s.recentLimit = n }
}

// WithPersistLimit caps how many records are persisted.
func WithPersistLimit(n int) Option {
	return func(s *Store) { s.persistLimit = n }
}

// WithMetrics records cache gauges and history load counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store. fetcher may be nil, in which case LoadHistory
// only recomputes views and reports the backend as unavailable.
func New(fetcher HistoryFetcher, opts ...Option) *Store {
	s := &Store{
		detections:   []detection.Detection{},
		recent:       []detection.Detection{},
		fetcher:      fetcher,
		logger:       slog.Default(),
		now:          time.Now,
		loadTimeout:  DefaultLoadTimeout,
		recentWindow: DefaultRecentWindow,
		recentLimit:  DefaultRecentLimit,
		persistLimit: DefaultPersistLimit,
		subscribers:  make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddDetection prepends d and clears any error. Duplicate ids are kept.
func (s *Store) AddDetection(d detection.Detection) {
	s.mu.Lock()
	s.detections = append([]detection.Detection{d.Clone()}, s.detections...)
	s.errMsg = ""
	s.recomputeLocked()
	state, version := s.snapshotLocked(), s.version
	s.mu.Unlock()

	s.afterChange(state, version, true)
}

// RemoveDetection removes the first record with the given id. Unknown ids are a no-op.
func (s *Store) RemoveDetection(id string) {
	s.mu.Lock()
	idx := -1
	for i, d := range s.detections {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		next := make([]detection.Detection, 0, len(s.detections)-1)
		next = append(next, s.detections[:idx]...)
		next = append(next, s.detections[idx+1:]...)
		s.detections = next
	}
	s.recomputeLocked()
	state, version := s.snapshotLocked(), s.version
	s.mu.Unlock()

	s.afterChange(state, version, idx >= 0)
}

// ClearHistory empties the cache and clears any error.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	s.detections = []detection.Detection{}
	s.errMsg = ""
	s.recomputeLocked()
	state, version := s.snapshotLocked(), s.version
	s.mu.Unlock()

	s.afterChange(state, version, true)
}

// ClearError clears the error without touching anything else.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.errMsg = ""
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(state)
}

// LoadHistory replaces the cache with the backend history. It never returns
// an error: on failure the existing cache is kept, views are recomputed from
// it and the failure is recorded in State.Error.
//
// Overlapping calls are not serialized; each applies its own terminal state
// and the last to complete wins.
func (s *Store) LoadHistory(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.errMsg = ""
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(state)

	history, err := s.fetch(ctx)

	s.mu.Lock()
	if err != nil {
		s.errMsg = err.Error()
	} else {
		s.detections = detection.CloneAll(history)
		s.errMsg = ""
	}
	s.loading = false
	s.recomputeLocked()
	state = s.snapshotLocked()
	version := s.version
	s.mu.Unlock()

	if err != nil {
		s.metrics.Inc(metrics.HistoryLoadFailures)
		s.logger.Warn("backend not available, using local data", "error", err)
		s.afterChange(state, version, false)
		return
	}

	s.metrics.Inc(metrics.HistoryLoads)
	s.logger.Info("loaded detection history", "records", len(history))
	s.afterChange(state, version, true)
}

var errNoBackend = errors.New("backend connection failed")

func (s *Store) fetch(ctx context.Context) ([]detection.Detection, error) {
	if s.fetcher == nil {
		return nil, errNoBackend
	}
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	history, err := s.fetcher.History(ctx)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []detection.Detection{}
	}
	return history, nil
}

// Hydrate restores the persisted prefix. Derived views are recomputed fresh.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	persisted, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.detections = detection.CloneAll(persisted)
	s.recomputeLocked()
	state, version := s.snapshotLocked(), s.version
	s.mu.Unlock()

	s.logger.Debug("hydrated detection cache", "records", len(persisted))
	s.afterChange(state, version, false)
	return nil
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Detections returns a copy of the cached records.
func (s *Store) Detections() []detection.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return detection.CloneAll(s.detections)
}

// Recent returns a copy of the recent view.
func (s *Store) Recent() []detection.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return detection.CloneAll(s.recent)
}

// Stats returns the current aggregates.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Refresh recomputes the derived views against the current time. The recent
// view otherwise only changes on mutation.
func (s *Store) Refresh() {
	s.mu.Lock()
	s.recomputeLocked()
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(state)
}

// Subscribe registers fn to receive a snapshot after every change.
// The returned function unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// recomputeLocked derives the recent view and stats from s.detections.
func (s *Store) recomputeLocked() {
	s.recent = RecentDetections(s.detections, s.now(), s.recentWindow, s.recentLimit)
	s.stats = ComputeStats(s.detections)
	s.version++
	s.metrics.UpdateCache(s.stats.TotalDetections, s.stats.AvgConfidence)
}

func (s *Store) snapshotLocked() State {
	return State{
		Detections:       detection.CloneAll(s.detections),
		RecentDetections: detection.CloneAll(s.recent),
		Stats:            s.stats,
		IsLoading:        s.loading,
		Error:            s.errMsg,
	}
}

// afterChange persists (when the record set changed) and notifies.
func (s *Store) afterChange(state State, version uint64, persist bool) {
	if persist {
		s.persist(state.Detections, version)
	}
	s.notify(state)
}

func (s *Store) persist(all []detection.Detection, version uint64) {
	if s.persister == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version <= s.persisted {
		return
	}
	s.persisted = version

	prefix := all
	if s.persistLimit >= 0 && len(prefix) > s.persistLimit {
		prefix = prefix[:s.persistLimit]
	}
	if err := s.persister.Save(context.Background(), prefix); err != nil {
		s.logger.Warn("failed to persist detections", "error", err)
	}
}

func (s *Store) notify(state State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// RecentDetections returns the records newer than now-window, keeping at
// most limit of them in caller order.
func RecentDetections(all []detection.Detection, now time.Time, window time.Duration, limit int) []detection.Detection {
	cutoff := now.Add(-window)
	recent := []detection.Detection{}
	for _, d := range all {
		if limit >= 0 && len(recent) >= limit {
			break
		}
		if d.Time().After(cutoff) {
			recent = append(recent, d)
		}
	}
	return recent
}

// ComputeStats returns the count and the mean of per-record max confidence.
func ComputeStats(all []detection.Detection) Stats {
	if len(all) == 0 {
		return Stats{}
	}
	sum := 0.0
	for _, d := range all {
		sum += d.MaxConfidence()
	}
	return Stats{
		TotalDetections: len(all),
		AvgConfidence:   sum / float64(len(all)),
	}
}
