package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/toolloop/internal/connwatch"
	"github.com/nugget/toolloop/internal/usage"
)

// HealthReporter reports the reachability of external dependencies.
// [connwatch.Manager] implements it.
type HealthReporter interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// UsageReporter answers token usage queries. [usage.Store] implements it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
	Conversation(ctx context.Context, conversationID string) (usage.Summary, error)
}

// SetHealth adds dependency status to GET /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// handleHealth always answers 200 while the process is serving; a
// dependency outage shows as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		if !s.health.Healthy() {
			resp["status"] = "degraded"
		}
		resp["services"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleUsage reports token usage. ?conversation=id narrows it to one
// conversation; otherwise ?period= (today, yesterday, week, month, all)
// selects the range and the totals are broken down by model.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotImplemented, "usage tracking not available")
		return
	}
	q := r.URL.Query()

	if id := q.Get("conversation"); id != "" {
		sum, err := s.usage.Conversation(r.Context(), id)
		if err != nil {
			s.failure(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"conversation_id": id, "usage": sum}, s.logger)
		return
	}

	period := q.Get("period")
	if period == "" {
		period = "all"
	}
	start, end, err := usage.Period(period, time.Now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.failure(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"period":   period,
		"usage":    total,
		"by_model": byModel,
	}, s.logger)
}
