package state

import (
	"sync"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// Config sizes the stores and locates the heartbeat file.
type Config struct {
	MaxAlerts     int
	MaxCycles     int
	HeartbeatPath string
	StaleAfter    time.Duration
}

// ServiceState is the worker's view of itself.
type ServiceState struct {
	WorkerRunning bool       `json:"worker_running"`
	CurrentCycle  int64      `json:"current_cycle"`
	LastCycleTime *time.Time `json:"last_cycle_time,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
}

// Shared is the per-process state handed to the pipeline and the API server.
type Shared struct {
	Alerts *BoundedStore[models.Alert]
	Cycles *BoundedStore[models.CycleRecord]

	mu  sync.Mutex
	svc ServiceState

	// writeMu orders heartbeat writes so the newest state always lands last.
	writeMu       sync.Mutex
	heartbeatPath string
	staleAfter    time.Duration
	now           func() time.Time
}

// New creates the shared state.
func New(cfg Config) *Shared {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 1000
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Shared{
		Alerts:        NewBoundedStore[models.Alert](cfg.MaxAlerts),
		Cycles:        NewBoundedStore[models.CycleRecord](cfg.MaxCycles),
		svc:           ServiceState{StartedAt: time.Now().UTC()},
		heartbeatPath: cfg.HeartbeatPath,
		staleAfter:    cfg.StaleAfter,
		now:           time.Now,
	}
}

// AddAlert stores a published alert.
func (s *Shared) AddAlert(a models.Alert) {
	s.Alerts.Add(a)
}

// SetWorkerRunning flips the worker flag and publishes a heartbeat.
func (s *Shared) SetWorkerRunning(running bool) {
	s.mu.Lock()
	s.svc.WorkerRunning = running
	s.mu.Unlock()
	s.Beat()
}

// StartCycle advances the current cycle counter. The counter never decreases.
func (s *Shared) StartCycle(id int64) {
	s.mu.Lock()
	if id > s.svc.CurrentCycle {
		s.svc.CurrentCycle = id
	}
	s.mu.Unlock()
	s.Beat()
}

// RecordCycle stores a copy of a finished cycle and publishes a heartbeat.
func (s *Shared) RecordCycle(rec *models.CycleRecord) {
	s.Cycles.Add(rec.Clone())

	s.mu.Lock()
	if rec.CycleID > s.svc.CurrentCycle {
		s.svc.CurrentCycle = rec.CycleID
	}
	if rec.EndTime != nil {
		end := *rec.EndTime
		s.svc.LastCycleTime = &end
	}
	s.mu.Unlock()
	s.Beat()
}

// Status returns a copy of the service state.
func (s *Shared) Status() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.svc
	if s.svc.LastCycleTime != nil {
		t := *s.svc.LastCycleTime
		out.LastCycleTime = &t
	}
	return out
}

// Health reads the heartbeat file, falling back to the in-process flag.
func (s *Shared) Health() Health {
	return CheckHealth(s.heartbeatPath, s.staleAfter, s.Status().WorkerRunning, s.now())
}

// Beat rewrites the heartbeat file from the current state. Failures are logged only.
func (s *Shared) Beat() {
	if s.heartbeatPath == "" {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	svc := s.Status()
	hb := WorkerHeartbeat{
		WorkerRunning: svc.WorkerRunning,
		CurrentCycle:  svc.CurrentCycle,
		LastHeartbeat: s.now().UTC(),
		LastCycleTime: svc.LastCycleTime,
	}
	if err := WriteHeartbeat(s.heartbeatPath, hb); err != nil {
		logger.Warn("Failed to write heartbeat: %v", err)
	}
}
