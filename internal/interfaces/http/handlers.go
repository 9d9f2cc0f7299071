package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/risk"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version,omitempty"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	FeedRunning     bool            `json:"feed_running"`
	FeedConnected   bool            `json:"feed_connected"`
	ActivePositions int             `json:"active_positions"`
	Loop            *risk.LoopStats `json:"loop,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PositionsResponse is the /positions payload.
type PositionsResponse struct {
	Count     int                   `json:"count"`
	Positions []domain.PositionData `json:"positions"`
	Timestamp time.Time             `json:"timestamp"`
}

// LimitsResponse is the /limits payload: counters per index plus GLOBAL.
type LimitsResponse struct {
	Scopes    map[string]limits.Counters `json:"scopes"`
	Errors    map[string]string          `json:"errors,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		Timestamp: time.Now(),
	}
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	if s.deps.Feed != nil {
		resp.FeedRunning = s.deps.Feed.IsRunning()
		resp.FeedConnected = s.deps.Feed.IsConnected()
		if resp.FeedRunning && !resp.FeedConnected {
			resp.Status = "degraded"
		}
	}
	if s.deps.Active != nil {
		resp.ActivePositions = s.deps.Active.Len()
	}
	if s.deps.Loop != nil {
		stats := s.deps.Loop.Stats()
		resp.Loop = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	resp := PositionsResponse{Positions: []domain.PositionData{}, Timestamp: time.Now()}
	if s.deps.Active != nil {
		resp.Positions = s.deps.Active.AllPositions()
	}
	resp.Count = len(resp.Positions)
	writeJSON(w, http.StatusOK, resp)
}

// scopeKeys lists the counter scopes the limits endpoints cover: every
// configured index plus the global rollup (empty key maps to GLOBAL).
func (s *Server) scopeKeys() []string {
	keys := []string{""}
	for _, idx := range s.deps.Indices {
		keys = append(keys, idx.Key)
	}
	return keys
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		writeError(w, http.StatusServiceUnavailable, "limits store not configured")
		return
	}
	resp := LimitsResponse{Scopes: make(map[string]limits.Counters), Timestamp: time.Now()}
	for _, key := range s.scopeKeys() {
		name := key
		if name == "" {
			name = limits.ScopeGlobal
		}
		counters, err := s.deps.Limits.Snapshot(r.Context(), key)
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[name] = err.Error()
			continue
		}
		resp.Scopes[name] = counters
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLimitsReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		writeError(w, http.StatusServiceUnavailable, "limits store not configured")
		return
	}
	keys := s.scopeKeys()
	if index := r.URL.Query().Get("index"); index != "" {
		keys = []string{index}
	}
	for _, key := range keys {
		if err := s.deps.Limits.ResetDailyCounters(r.Context(), key); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset":     len(keys),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no such route: "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
