/*
Package api serves the client's derived views over a small local JSON API so
any presentation layer can render them.

Routes:
  - GET    /api/detections            filtered history (search, source, weapons, sort)
  - GET    /api/detections/recent     last-hour feed
  - GET    /api/detections/{id}       one cached record
  - DELETE /api/detections/{id}       delete on the backend, then locally
  - DELETE /api/detections            clear on the backend, then locally
  - GET    /api/stats                 store stats, loading flag and error
  - GET    /api/analytics             7-day analytics report
  - POST   /api/history/reload        reload history from the backend
  - GET    /api/connection            connection snapshot
  - POST   /api/connection/reconnect  force a reconnect cycle
  - POST   /api/connection/disconnect tear the channel down
  - GET    /health                    liveness of this process
  - GET    /metrics                   Prometheus metrics

Failed backend actions answer 502 with {"error": "..."} and leave the local
state untouched.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/khanglvm/weapon-watch/internal/analytics"
	"github.com/khanglvm/weapon-watch/internal/connection"
	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/metrics"
	"github.com/khanglvm/weapon-watch/internal/store"
	"github.com/khanglvm/weapon-watch/internal/version"
)

// Connection is the part of the connection manager the API drives.
type Connection interface {
	Snapshot() connection.Snapshot
	Reconnect()
	Disconnect()
}

// Actions are user actions confirmed by the backend before the local state
// changes.
type Actions interface {
	DeleteDetection(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) error
}

// Server is the local API server.
type Server struct {
	router  *mux.Router
	store   *store.Store
	conn    Connection
	actions Actions
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the clock used for analytics.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the router. conn and actions may be nil, in which case the
// corresponding routes answer 503.
func NewServer(st *store.Store, conn Connection, actions Actions, opts ...Option) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		store:   st,
		conn:    conn,
		actions: actions,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/detections", s.listDetectionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/detections", s.clearHistoryHandler).Methods(http.MethodDelete)
	api.HandleFunc("/detections/recent", s.recentDetectionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/detections/{id}", s.getDetectionHandler).Methods(http.MethodGet)
	api.HandleFunc("/detections/{id}", s.deleteDetectionHandler).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	api.HandleFunc("/analytics", s.analyticsHandler).Methods(http.MethodGet)
	api.HandleFunc("/history/reload", s.reloadHistoryHandler).Methods(http.MethodPost)
	api.HandleFunc("/connection", s.connectionHandler).Methods(http.MethodGet)
	api.HandleFunc("/connection/reconnect", s.reconnectHandler).Methods(http.MethodPost)
	api.HandleFunc("/connection/disconnect", s.disconnectHandler).Methods(http.MethodPost)

	s.router.Use(s.logRequests)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("local API ready", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not gracefully shut down local API: %w", err)
	}
	s.logger.Info("local API stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"version":   version.Version,
	})
}

func (s *Server) listDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{Search: q.Get("search")}

	if src := q.Get("source"); src != "" && src != "all" {
		st, ok := detection.ParseSourceType(src)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", src))
			return
		}
		filter.Source = st
	}

	weapons, err := store.ParseWeaponsFilter(q.Get("weapons"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.Weapons = weapons

	sort, err := store.ParseSortOrder(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.Sort = sort

	writeJSON(w, http.StatusOK, s.store.Query(filter))
}

func (s *Server) recentDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Recent())
}

func (s *Server) getDetectionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.store.Find(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("detection %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDetectionHandler(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("backend actions unavailable"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.actions.DeleteDetection(r.Context(), id); err != nil {
		s.logger.Warn("delete failed", "id", id, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("failed to delete detection: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Deleted detection " + id})
}

func (s *Server) clearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("backend actions unavailable"))
		return
	}
	if err := s.actions.ClearHistory(r.Context()); err != nil {
		s.logger.Warn("clear history failed", "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("failed to clear history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Detection history cleared"})
}

// statsResponse mirrors the store fields a status panel needs.
type statsResponse struct {
	store.Stats
	IsLoading bool   `json:"isLoading"`
	Error     string `json:"error,omitempty"`
	HasAlerts bool   `json:"hasRecentAlerts"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	state := s.store.State()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:     state.Stats,
		IsLoading: state.IsLoading,
		Error:     state.Error,
		HasAlerts: s.store.HasRecentAlerts(5 * time.Minute),
	})
}

func (s *Server) analyticsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, analytics.Summarize(s.store.Detections(), s.now()))
}

func (s *Server) reloadHistoryHandler(w http.ResponseWriter, r *http.Request) {
	s.store.LoadHistory(r.Context())
	state := s.store.State()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:     state.Stats,
		IsLoading: state.IsLoading,
		Error:     state.Error,
		HasAlerts: s.store.HasRecentAlerts(5 * time.Minute),
	})
}

func (s *Server) connectionHandler(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("push channel disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.conn.Snapshot())
}

func (s *Server) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("push channel disabled"))
		return
	}
	s.conn.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("push channel disabled"))
		return
	}
	s.conn.Disconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
