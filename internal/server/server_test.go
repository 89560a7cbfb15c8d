package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitra/internal/ipmon"
	"mitra/internal/metrics"
	"mitra/internal/notify"
	"mitra/internal/pending"
	"mitra/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Server, *pending.Registry) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "cache.json"), testLogger())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	fetch := func(context.Context) (string, error) { return "1.2.3.4", nil }
	dest := func() notify.Destination { return notify.Destination{} }
	ip := ipmon.New(fetch, store, notify.Func(func(context.Context, notify.Destination, string) error {
		return nil
	}), dest, testLogger(), m)
	require.NoError(t, ip.Cycle(context.Background()))

	registry := pending.NewRegistry(testLogger())

	return New("127.0.0.1:0", "1.0.0", ip, nil, nil, registry, reg), registry
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusIncludesIPAndPending(t *testing.T) {
	s, registry := newTestServer(t)
	_, err := registry.Propose(pending.KindRestart, "operator", nil, time.Minute)
	require.NoError(t, err)

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string `json:"version"`
		IP      struct {
			IP string `json:"ip"`
		} `json:"ip"`
		PendingActions []struct {
			Kind string `json:"Kind"`
		} `json:"pending_actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "1.0.0", body.Version)
	assert.Equal(t, "1.2.3.4", body.IP.IP)
	require.Len(t, body.PendingActions, 1)
	assert.Equal(t, string(pending.KindRestart), body.PendingActions[0].Kind)
}

func TestUPSHistoryWithoutLog(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/ups/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"samples":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mitra_poll_cycles_total")
}
