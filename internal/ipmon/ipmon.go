// Package ipmon watches the host's public IP address and notifies the
// operator channel and subscriber set when it moves.
package ipmon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mitra/internal/detect"
	"mitra/internal/metrics"
	"mitra/internal/models"
	"mitra/internal/notify"
	"mitra/internal/state"
)

// DefaultLookupURL is the plain-text public IP service queried by default.
const DefaultLookupURL = "https://api.ipify.org"

// State store keys owned by this monitor.
const (
	keyLastIP     = "last_ip"
	keyLastCheck  = "last_ip_check"
	keyLastChange = "last_ip_change"
)

// Fetcher returns the current public IP.
type Fetcher func(ctx context.Context) (string, error)

// HTTPFetcher fetches the public address from a plain-text lookup service
// such as api.ipify.org. An empty response body is a fetch failure, not an
// observation.
func HTTPFetcher(client *http.Client, url string) Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if url == "" {
		url = DefaultLookupURL
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch public ip: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch public ip: unexpected status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return "", fmt.Errorf("read public ip response: %w", err)
		}

		ip := strings.TrimSpace(string(body))
		if ip == "" {
			return "", fmt.Errorf("empty public ip response")
		}
		return ip, nil
	}
}

// DestinationFunc resolves the notification destination at send time, so the
// subscriber set stays dynamic.
type DestinationFunc func() notify.Destination

// Monitor owns the last-observed public IP. Its Cycle method is driven by a
// poll.Loop; Current serves the on-demand status command without touching
// loop state.
type Monitor struct {
	fetch    Fetcher
	store    *state.Store
	notifier notify.Notifier
	dest     DestinationFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New constructs the monitor.
func New(fetch Fetcher, store *state.Store, notifier notify.Notifier, dest DestinationFunc, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		fetch:    fetch,
		store:    store,
		notifier: notifier,
		dest:     dest,
		logger:   logger.With("component", "ipmon"),
		metrics:  m,
		now:      time.Now,
	}
}

// Cycle fetches the current address, compares it to the persisted one, and
// notifies on a change. The check timestamp is persisted every cycle so
// status commands can report staleness; last_ip moves only on change or
// first observation.
func (m *Monitor) Cycle(ctx context.Context) error {
	m.metrics.PollCycles.WithLabelValues("ip").Inc()

	ip, err := m.fetch(ctx)
	if err != nil {
		m.metrics.FetchFailures.WithLabelValues("ip").Inc()
		return err
	}

	now := m.now().UTC()
	prev := m.store.String(keyLastIP, "")

	changed := detect.IPChanged(prev, ip)
	if changed {
		m.logger.Info("public ip changed", "old", prev, "new", ip)

		message := fmt.Sprintf("Public IP changed: `%s` -> `%s`", prev, ip)
		if err := m.notifier.Notify(ctx, m.dest(), message); err != nil {
			m.logger.Warn("ip change notification failed", "error", err)
		} else {
			m.metrics.Notifications.WithLabelValues("ip").Inc()
		}
	}

	err = m.store.Update(func(data map[string]json.RawMessage) {
		setJSON(data, keyLastCheck, now.Format(time.RFC3339))
		if changed || prev == "" {
			setJSON(data, keyLastIP, ip)
		}
		if changed {
			setJSON(data, keyLastChange, now.Format(time.RFC3339))
		}
	})
	if err != nil {
		m.logger.Error("persisting ip state failed, in-memory state remains authoritative", "error", err)
		return err
	}
	return nil
}

// Current fetches the address on demand without recording an observation.
func (m *Monitor) Current(ctx context.Context) (string, error) {
	return m.fetch(ctx)
}

// Status reports the persisted IP observation state.
func (m *Monitor) Status() models.IPStatus {
	return models.IPStatus{
		IP:        m.store.String(keyLastIP, ""),
		CheckedAt: m.store.Time(keyLastCheck),
		ChangedAt: m.store.Time(keyLastChange),
	}
}

func setJSON(data map[string]json.RawMessage, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	data[key] = raw
}
