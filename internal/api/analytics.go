package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rewired-gh/polysignal/internal/metrics"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const maxLookbackHours = 7 * 24

type timelineResponse struct {
	Interval    metrics.Interval        `json:"interval"`
	Hours       int                     `json:"hours"`
	StartTime   time.Time               `json:"start_time"`
	EndTime     time.Time               `json:"end_time"`
	TotalAlerts int                     `json:"total_alerts"`
	Groups      []metrics.TimelineGroup `json:"groups"`
}

func (s *Server) handleAlertTimeline(w http.ResponseWriter, r *http.Request) {
	interval, err := metrics.ParseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "interval must be one of hour, day, week")
		return
	}
	hours, err := intParam(r, "hours", 24, 1, maxLookbackHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sev, err := severityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minConf, err := unitParam(r, "min_confidence")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	end := s.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	alerts, err := s.store.AlertHistory(r.Context(), storage.AlertFilter{
		Severity:      sev,
		MinConfidence: minConf,
		Since:         start,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, timelineResponse{
		Interval:    interval,
		Hours:       hours,
		StartTime:   start,
		EndTime:     end,
		TotalAlerts: len(alerts),
		Groups:      metrics.Timeline(alerts, interval),
	})
}

type priceTrendResponse struct {
	MarketID       string               `json:"market_id"`
	MarketQuestion string               `json:"market_question"`
	Interval       metrics.Interval     `json:"interval"`
	StartTime      time.Time            `json:"start_time"`
	EndTime        time.Time            `json:"end_time"`
	DataPoints     []metrics.PricePoint `json:"data_points"`
}

func (s *Server) handlePriceTrends(w http.ResponseWriter, r *http.Request) {
	marketID := r.URL.Query().Get("market_id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}
	interval, err := metrics.ParseInterval(r.URL.Query().Get("interval"))
	if err != nil || interval == metrics.IntervalWeek {
		writeError(w, http.StatusBadRequest, "interval must be one of hour, day")
		return
	}
	hours, err := intParam(r, "hours", 24, 1, maxLookbackHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	end := s.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	alerts, err := s.store.AlertHistory(r.Context(), storage.AlertFilter{MarketID: marketID, Since: start})
	if err != nil {
		s.internalError(w, err)
		return
	}

	resp := priceTrendResponse{
		MarketID:   marketID,
		Interval:   interval,
		StartTime:  start,
		EndTime:    end,
		DataPoints: metrics.PriceTrend(alerts, interval),
	}
	if len(alerts) > 0 {
		resp.MarketQuestion = alerts[0].MarketQuestion
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarketLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minAlerts, err := intParam(r, "min_alerts", 3, 1, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	board, err := s.store.MarketLeaderboard(r.Context(), r.URL.Query().Get("sort_by"), minAlerts, limit)
	if errors.Is(err, storage.ErrUnknownSort) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("sort_by must be one of %s, %s, %s",
			storage.SortAlertCount, storage.SortAvgDiscrepancy, storage.SortAvgConfidence))
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if board == nil {
		board = []storage.MarketStats{}
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleMarketAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.store.ListAlerts(r.Context(), storage.AlertFilter{MarketID: r.PathValue("id"), Limit: limit})
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

// unitParam reads an optional value in [0, 1]; absent means zero.
func unitParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%s must be a number between 0 and 1", name)
	}
	return v, nil
}
