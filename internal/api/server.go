// Package api serves the read-only HTTP status API and the live alert
// websocket. It reads alerts and cycle metrics from the database the worker
// writes, and worker liveness from the heartbeat file, so it can run in its own
// process.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/state"
	"github.com/rewired-gh/polysignal/internal/storage"
)

// Store is the persistence the API reads from.
type Store interface {
	AlertFeed
	ListAlerts(ctx context.Context, f storage.AlertFilter) ([]models.Alert, error)
	CountAlerts(ctx context.Context, f storage.AlertFilter) (int, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	AlertStats(ctx context.Context, now time.Time) (*storage.AlertStats, error)
	AlertHistory(ctx context.Context, f storage.AlertFilter) ([]models.Alert, error)
	MarketLeaderboard(ctx context.Context, sortBy string, minAlerts, limit int) ([]storage.MarketStats, error)
	RecentCycles(ctx context.Context, limit int) ([]storage.StoredCycle, error)
	GetCycle(ctx context.Context, id int64) (*storage.StoredCycle, error)
	CountCycles(ctx context.Context) (int, error)
	CountActiveSubscribers(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Config configures the API server.
type Config struct {
	HeartbeatPath string
	StaleAfter    time.Duration
	PollInterval  time.Duration
	Version       string
}

// Server is the HTTP API. Shared is optional; when the API runs inside the
// worker process it is used for recent alerts and as the liveness fallback.
type Server struct {
	store     Store
	shared    *state.Shared
	cfg       Config
	hub       *Hub
	mux       *http.ServeMux
	startedAt time.Time
	now       func() time.Time
}

// New creates a server and registers its routes.
func New(store Store, shared *state.Shared, cfg Config) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = state.DefaultStaleAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		store:     store,
		shared:    shared,
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
	s.hub = NewHub(store, cfg.PollInterval, func() any { return s.workerSummary() })
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/alerts/recent", s.handleRecentAlerts)
	s.mux.HandleFunc("GET /api/alerts/stats", s.handleAlertStats)
	s.mux.HandleFunc("GET /api/alerts/timeline", s.handleAlertTimeline)
	s.mux.HandleFunc("GET /api/alerts/price-trends", s.handlePriceTrends)
	s.mux.HandleFunc("GET /api/alerts/{id}", s.handleGetAlert)

	s.mux.HandleFunc("GET /api/markets/leaderboard", s.handleMarketLeaderboard)
	s.mux.HandleFunc("GET /api/markets/{id}/alerts", s.handleMarketAlerts)

	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/metrics/cycles", s.handleListCycles)
	s.mux.HandleFunc("GET /api/metrics/cycles/{id}", s.handleGetCycle)

	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server...")
	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

// health reads the heartbeat file, falling back to the in-process flag.
func (s *Server) health() state.Health {
	fallback := false
	if s.shared != nil {
		fallback = s.shared.Status().WorkerRunning
	}
	return state.CheckHealth(s.cfg.HeartbeatPath, s.cfg.StaleAfter, fallback, s.now())
}

type workerSummary struct {
	Status        string     `json:"status"`
	Running       bool       `json:"-"`
	CurrentCycle  int64      `json:"current_cycle"`
	LastCycleTime *time.Time `json:"last_cycle_time"`
}

func (s *Server) workerSummary() workerSummary {
	h := s.health()
	w := workerSummary{Status: "stopped", Running: h.WorkerRunning}
	if h.WorkerRunning {
		w.Status = "running"
	}
	switch {
	case h.Heartbeat != nil:
		w.CurrentCycle = h.Heartbeat.CurrentCycle
		w.LastCycleTime = h.Heartbeat.LastCycleTime
	case s.shared != nil:
		svc := s.shared.Status()
		w.CurrentCycle = svc.CurrentCycle
		w.LastCycleTime = svc.LastCycleTime
	}
	return w
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("%s %s %d %v", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}
