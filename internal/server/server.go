// Package server exposes the agent's operational state over HTTP: a health
// probe, a JSON status snapshot, UPS history, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mitra/internal/ipmon"
	"mitra/internal/pending"
	"mitra/internal/upslog"
	"mitra/internal/upsmon"
)

// Server wraps HTTP serving of the status API.
type Server struct {
	httpServer *http.Server
	version    string
	startedAt  time.Time
	ip         *ipmon.Monitor
	ups        *upsmon.Monitor
	upsLog     *upslog.Log
	registry   *pending.Registry
	historyMax time.Duration
}

// New creates a configured HTTP server. ups and upsLog may be nil when UPS
// monitoring is disabled.
func New(
	addr, version string,
	ip *ipmon.Monitor,
	ups *upsmon.Monitor,
	upsLog *upslog.Log,
	registry *pending.Registry,
	promReg *prometheus.Registry,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		version:    version,
		startedAt:  time.Now().UTC(),
		ip:         ip,
		ups:        ups,
		upsLog:     upsLog,
		registry:   registry,
		historyMax: 24 * time.Hour,
	}
	s.registerRoutes(mux, promReg)
	return s
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux, promReg *prometheus.Registry) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ups/history", s.handleUPSHistory)
	if promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"version":        s.version,
		"started_at":     s.startedAt,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"generated_at":   time.Now().UTC(),
	}
	if s.ip != nil {
		resp["ip"] = s.ip.Status()
	}
	if s.ups != nil {
		if snap, ok := s.ups.Last(); ok {
			resp["ups"] = snap
		}
	}
	if s.registry != nil {
		resp["pending_actions"] = s.registry.All()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUPSHistory(w http.ResponseWriter, r *http.Request) {
	if s.upsLog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"samples": []any{}})
		return
	}
	window := parseHours(r, 6*time.Hour, s.historyMax)
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": s.upsLog.Summarize(window),
		"samples": s.upsLog.Recent(window),
	})
}

func parseHours(r *http.Request, fallback, max time.Duration) time.Duration {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	d := time.Duration(value) * time.Hour
	if d > max {
		return max
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
