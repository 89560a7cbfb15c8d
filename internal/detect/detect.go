// Package detect holds the pure comparison logic that decides whether an
// observed value change is worth notifying an operator about. It performs no
// I/O and reads no clock; deduplication lives here, not in the notifier.
package detect

import (
	"fmt"
	"time"

	"mitra/internal/models"
)

// Level classifies how urgent an event is.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// Event is a notify-worthy observation produced by a detector.
type Event struct {
	Level   Level
	Message string
}

// IPChanged reports whether the public IP moved between two observations.
// The first observation (empty previous) records silently and never fires.
func IPChanged(prev, curr string) bool {
	return prev != "" && curr != "" && prev != curr
}

// UPSPolicy configures which UPS snapshot differences are notify-worthy.
// Power-source transitions always fire; runtime thresholds fire while on
// battery; charge movement below ChargeDropPercent never fires on its own.
type UPSPolicy struct {
	WarnTimeToEmpty     time.Duration
	CriticalTimeToEmpty time.Duration

	// ChargeDropPercent is the minimum charge drop between consecutive
	// readings that fires on its own. Zero disables charge-drop events.
	ChargeDropPercent float64
}

// Evaluate compares consecutive snapshots and returns an event when the
// difference is notify-worthy. prev may be nil for the first observation,
// which records state without firing.
func (p UPSPolicy) Evaluate(prev, curr *models.UPSSnapshot) (Event, bool) {
	if curr == nil {
		return Event{}, false
	}
	if prev == nil {
		return Event{}, false
	}

	if curr.OnBattery != prev.OnBattery {
		if curr.OnBattery {
			return Event{
				Level:   LevelWarn,
				Message: fmt.Sprintf("UPS switched to battery power. Estimated runtime: %s", fmtRuntime(curr.TimeToEmptySeconds)),
			}, true
		}
		return Event{
			Level:   LevelInfo,
			Message: "Utility power restored.",
		}, true
	}

	if curr.OnBattery && curr.TimeToEmptySeconds != nil {
		remaining := time.Duration(*curr.TimeToEmptySeconds) * time.Second
		if p.CriticalTimeToEmpty > 0 && remaining <= p.CriticalTimeToEmpty {
			return Event{
				Level:   LevelCritical,
				Message: fmt.Sprintf("UPS battery critical. Estimated runtime: %s", fmtRuntime(curr.TimeToEmptySeconds)),
			}, true
		}
		if p.WarnTimeToEmpty > 0 && remaining <= p.WarnTimeToEmpty {
			return Event{
				Level:   LevelWarn,
				Message: fmt.Sprintf("UPS battery running low. Estimated runtime: %s", fmtRuntime(curr.TimeToEmptySeconds)),
			}, true
		}
	}

	if p.ChargeDropPercent > 0 && prev.ChargePercent != nil && curr.ChargePercent != nil {
		drop := *prev.ChargePercent - *curr.ChargePercent
		if drop >= p.ChargeDropPercent {
			return Event{
				Level:   LevelWarn,
				Message: fmt.Sprintf("UPS battery charge dropped from %.0f%% to %.0f%%.", *prev.ChargePercent, *curr.ChargePercent),
			}, true
		}
	}

	return Event{}, false
}

func fmtRuntime(seconds *float64) string {
	if seconds == nil {
		return "unknown"
	}
	s := int(*seconds)
	if s < 0 {
		s = 0
	}

	m, s := s/60, s%60
	h, m := m/60, m%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
