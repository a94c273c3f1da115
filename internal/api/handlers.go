package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/metrics"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

type healthResponse struct {
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	WorkerRunning       bool      `json:"worker_running"`
	Source              string    `json:"source"`
	HeartbeatAgeSeconds *float64  `json:"heartbeat_age_seconds,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	resp := healthResponse{
		Status:        "unhealthy",
		Timestamp:     s.now().UTC(),
		WorkerRunning: h.WorkerRunning,
		Source:        h.Source,
	}
	if h.WorkerRunning {
		resp.Status = "healthy"
	}
	if h.Heartbeat != nil {
		age := h.Age.Seconds()
		resp.HeartbeatAgeSeconds = &age
	}
	writeJSON(w, http.StatusOK, resp)
}

type databaseStatus struct {
	Status            string `json:"status"`
	TotalAlerts       int    `json:"total_alerts"`
	TotalCycles       int    `json:"total_cycles"`
	ActiveSubscribers int    `json:"active_subscribers"`
}

type statusResponse struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	Worker        workerSummary  `json:"worker"`
	Database      databaseStatus `json:"database"`
	Version       string         `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	started := s.startedAt
	if s.shared != nil {
		started = s.shared.Status().StartedAt
	}

	db := databaseStatus{Status: "connected"}
	var err error
	if err = s.store.Ping(ctx); err == nil {
		if db.TotalAlerts, err = s.store.CountAlerts(ctx, storage.AlertFilter{}); err == nil {
			if db.TotalCycles, err = s.store.CountCycles(ctx); err == nil {
				db.ActiveSubscribers, err = s.store.CountActiveSubscribers(ctx)
			}
		}
	}
	if err != nil {
		logger.Warn("Status: database check failed: %v", err)
		db.Status = "error"
	}

	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds: s.now().Sub(started).Seconds(),
		Worker:        s.workerSummary(),
		Database:      db,
		Version:       s.cfg.Version,
	})
}

type alertsListResponse struct {
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Alerts []models.Alert `json:"alerts"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sev, err := severityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := storage.AlertFilter{Severity: sev, MarketID: r.URL.Query().Get("market_id"), Limit: limit, Offset: offset}
	alerts, err := s.store.ListAlerts(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}
	total, err := s.store.CountAlerts(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alertsListResponse{
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Alerts: nonNil(alerts),
	})
}

// handleRecentAlerts reads the in-process store when it has anything and the
// database otherwise.
func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sev, err := severityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.shared != nil && s.shared.Alerts.Len() > 0 {
		var out []models.Alert
		for _, a := range s.shared.Alerts.GetRecent(0) {
			if sev != "" && a.Severity != sev {
				continue
			}
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
		writeJSON(w, http.StatusOK, nonNil(out))
		return
	}

	alerts, err := s.store.ListAlerts(r.Context(), storage.AlertFilter{Severity: sev, Limit: limit})
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.AlertStats(r.Context(), s.now())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	alert, err := s.store.GetAlert(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("alert %s not found", id))
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// cycleView flattens a stored cycle and adds the derived rates.
type cycleView struct {
	ID int64 `json:"id"`
	models.CycleRecord
	DurationSeconds  float64 `json:"duration_seconds"`
	ErrorCount       int     `json:"error_count"`
	NewsToAlertRate  float64 `json:"news_to_alert_rate"`
	OpportunityRate  float64 `json:"opportunity_detection_rate"`
	ReasoningSeconds float64 `json:"reasoning_seconds"`
}

func newCycleView(c storage.StoredCycle) cycleView {
	return cycleView{
		ID:               c.ID,
		CycleRecord:      c.Record,
		DurationSeconds:  c.Record.Duration().Seconds(),
		ErrorCount:       len(c.Record.Errors),
		NewsToAlertRate:  c.Record.NewsToAlertRate(),
		OpportunityRate:  c.Record.OpportunityRate(),
		ReasoningSeconds: c.Record.ReasoningTime.Seconds(),
	}
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cycles, err := s.store.RecentCycles(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]cycleView, len(cycles))
	for i, c := range cycles {
		out[i] = newCycleView(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cycle id must be an integer")
		return
	}
	c, err := s.store.GetCycle(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("cycle %d not found", id))
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCycleView(*c))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "cycles", 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cycles, err := s.store.RecentCycles(r.Context(), n)
	if err != nil {
		s.internalError(w, err)
		return
	}
	records := make([]models.CycleRecord, len(cycles))
	for i, c := range cycles {
		records[i] = c.Record
	}
	writeJSON(w, http.StatusOK, metrics.Summarize(records))
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	logger.Error("API request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return v, nil
}

func severityParam(r *http.Request) (models.Severity, error) {
	raw := r.URL.Query().Get("severity")
	if raw == "" {
		return "", nil
	}
	sev, err := models.ParseSeverity(raw)
	if err != nil {
		return "", fmt.Errorf("severity must be one of INFO, WARNING, CRITICAL")
	}
	return sev, nil
}

func nonNil(a []models.Alert) []models.Alert {
	if a == nil {
		return []models.Alert{}
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
