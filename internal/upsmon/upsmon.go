// Package upsmon watches the UPS: it polls a status source, logs every
// reading, persists the latest snapshot, and notifies the operator on
// notify-worthy transitions. A critical runtime reading can trigger the
// configured automatic power action.
package upsmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mitra/internal/config"
	"mitra/internal/detect"
	"mitra/internal/metrics"
	"mitra/internal/models"
	"mitra/internal/notify"
	"mitra/internal/state"
	"mitra/internal/upslog"
)

// State store key owned by this monitor.
const keyLastSnapshot = "last_ups_snapshot"

// StatusSource reads one UPS snapshot. The NUT client implements it; tests
// inject fakes.
type StatusSource interface {
	Read(ctx context.Context) (*models.UPSSnapshot, error)
}

// PowerFunc runs a power action ("shutdown" or "restart"). Wired to
// power.Execute in production.
type PowerFunc func(action string, delaySeconds int, force bool) (string, error)

// Monitor owns the last-observed UPS snapshot.
type Monitor struct {
	source   StatusSource
	store    *state.Store
	log      *upslog.Log
	policy   detect.UPSPolicy
	settings config.UPSSettings
	notifier notify.Notifier
	dest     func() notify.Destination
	powerFn  PowerFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	prev *models.UPSSnapshot
}

// New constructs the monitor. log may be nil when history logging is
// disabled; powerFn may be nil when auto shutdown is disabled.
func New(
	source StatusSource,
	store *state.Store,
	log *upslog.Log,
	settings config.UPSSettings,
	notifier notify.Notifier,
	dest func() notify.Destination,
	powerFn PowerFunc,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Monitor {
	return &Monitor{
		source: source,
		store:  store,
		log:    log,
		policy: detect.UPSPolicy{
			WarnTimeToEmpty:     time.Duration(settings.WarnTimeToEmptySeconds) * time.Second,
			CriticalTimeToEmpty: time.Duration(settings.CriticalTimeToEmptySeconds) * time.Second,
			ChargeDropPercent:   settings.ChargeDropPercent,
		},
		settings: settings,
		notifier: notifier,
		dest:     dest,
		powerFn:  powerFn,
		logger:   logger.With("component", "upsmon"),
		metrics:  m,
		now:      time.Now,
	}
}

// Cycle reads the UPS once, records the reading, and notifies when the
// change detector deems it notify-worthy. The snapshot is persisted every
// cycle, changed or not, so status commands can detect staleness.
func (m *Monitor) Cycle(ctx context.Context) error {
	m.metrics.PollCycles.WithLabelValues("ups").Inc()

	snap, err := m.source.Read(ctx)
	if err != nil {
		m.metrics.FetchFailures.WithLabelValues("ups").Inc()
		return err
	}
	snap.CheckedAt = m.now().UTC()

	if m.log != nil {
		m.log.Append(*snap)
	}
	if err := m.store.Set(keyLastSnapshot, snap); err != nil {
		m.logger.Error("persisting ups snapshot failed, in-memory state remains authoritative", "error", err)
	}

	m.mu.Lock()
	prev := m.prev
	m.prev = snap
	m.mu.Unlock()

	event, fired := m.policy.Evaluate(prev, snap)
	if !fired {
		return nil
	}

	m.logger.Info("ups event", "level", event.Level, "message", event.Message)
	if err := m.notifier.Notify(ctx, m.dest(), event.Message); err != nil {
		m.logger.Warn("ups notification failed", "error", err)
	} else {
		m.metrics.Notifications.WithLabelValues("ups").Inc()
	}

	if event.Level == detect.LevelCritical {
		m.autoShutdown()
	}
	return nil
}

// Snapshot reads the UPS on demand without disturbing the periodic loop's
// last-observed value.
func (m *Monitor) Snapshot(ctx context.Context) (*models.UPSSnapshot, error) {
	snap, err := m.source.Read(ctx)
	if err != nil {
		return nil, err
	}
	snap.CheckedAt = m.now().UTC()
	return snap, nil
}

// Last returns the most recently persisted snapshot.
func (m *Monitor) Last() (models.UPSSnapshot, bool) {
	var snap models.UPSSnapshot
	if !m.store.Get(keyLastSnapshot, &snap) {
		return models.UPSSnapshot{}, false
	}
	return snap, true
}

func (m *Monitor) autoShutdown() {
	if !m.settings.AutoShutdownEnabled || m.powerFn == nil {
		return
	}

	action := m.settings.AutoShutdownAction
	if action != "restart" {
		action = "shutdown"
	}

	m.logger.Warn("auto power action triggered by critical battery state",
		"action", action, "delay_seconds", m.settings.AutoShutdownDelaySeconds)

	msg, err := m.powerFn(action, m.settings.AutoShutdownDelaySeconds, m.settings.AutoShutdownForce)
	if err != nil {
		m.logger.Error("auto power action failed", "action", action, "error", err)
		return
	}
	m.logger.Warn("auto power action executed", "result", msg)
}

// Describe renders a snapshot for chat output.
func Describe(s models.UPSSnapshot) string {
	source := "utility power"
	if s.OnBattery {
		source = "battery"
	}

	out := fmt.Sprintf("Power source: %s", source)
	if s.ChargePercent != nil {
		out += fmt.Sprintf("\nBattery charge: %.0f%%", *s.ChargePercent)
	}
	if s.TimeToEmptySeconds != nil {
		out += fmt.Sprintf("\nEstimated runtime: %s", (time.Duration(*s.TimeToEmptySeconds) * time.Second).Round(time.Second))
	}
	if s.LoadPercent != nil {
		out += fmt.Sprintf("\nLoad: %.0f%%", *s.LoadPercent)
	}
	if s.InputVoltage != nil {
		out += fmt.Sprintf("\nInput voltage: %.1f V", *s.InputVoltage)
	}
	if !s.CheckedAt.IsZero() {
		out += fmt.Sprintf("\nRead at: %s", s.CheckedAt.Format(time.RFC3339))
	}
	return out
}
