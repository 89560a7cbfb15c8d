// Package upslog keeps the rolling UPS telemetry history: a JSONL file on
// disk plus an in-memory ring used by the status and graph commands.
package upslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mitra/internal/models"
)

const defaultRingCap = 5000

// Log appends UPS snapshots to a JSONL file and serves recent windows from
// memory. Disk errors are logged, never propagated; history is best-effort.
type Log struct {
	mu     sync.RWMutex
	path   string
	ring   []models.UPSSnapshot
	cap    int
	logger *slog.Logger
	now    func() time.Time
}

// Open creates the log and preloads rows within the preload window from the
// existing file, if any.
func Open(path string, preload time.Duration, logger *slog.Logger) *Log {
	l := &Log{
		path:   path,
		cap:    defaultRingCap,
		logger: logger.With("component", "upslog"),
		now:    time.Now,
	}
	l.preload(preload)
	return l
}

// Append records one snapshot in memory and on disk.
func (l *Log) Append(s models.UPSSnapshot) {
	l.mu.Lock()
	l.ring = append(l.ring, s)
	if len(l.ring) > l.cap {
		l.ring = l.ring[len(l.ring)-l.cap:]
	}
	l.mu.Unlock()

	if err := l.appendFile(s); err != nil {
		l.logger.Warn("writing ups log row failed", "path", l.path, "error", err)
	}
}

// Recent returns the snapshots observed within the window, oldest first.
func (l *Log) Recent(window time.Duration) []models.UPSSnapshot {
	cutoff := l.now().UTC().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.UPSSnapshot
	for _, s := range l.ring {
		if !s.CheckedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Summary aggregates a window of history for the status command.
type Summary struct {
	Samples          int
	OnBatterySamples int
	OnBatteryPercent float64
	ChargeMin        *float64
	ChargeMax        *float64
	From             time.Time
	To               time.Time
}

// Summarize reduces the window's samples into a Summary.
func (l *Log) Summarize(window time.Duration) Summary {
	samples := l.Recent(window)

	var sum Summary
	for _, s := range samples {
		sum.Samples++
		if s.OnBattery {
			sum.OnBatterySamples++
		}
		if s.ChargePercent != nil {
			if sum.ChargeMin == nil || *s.ChargePercent < *sum.ChargeMin {
				sum.ChargeMin = models.Float(*s.ChargePercent)
			}
			if sum.ChargeMax == nil || *s.ChargePercent > *sum.ChargeMax {
				sum.ChargeMax = models.Float(*s.ChargePercent)
			}
		}
		if sum.From.IsZero() || s.CheckedAt.Before(sum.From) {
			sum.From = s.CheckedAt
		}
		if s.CheckedAt.After(sum.To) {
			sum.To = s.CheckedAt
		}
	}
	if sum.Samples > 0 {
		sum.OnBatteryPercent = round2(float64(sum.OnBatterySamples) / float64(sum.Samples) * 100)
	}
	return sum
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the window's battery charge as a fixed number of time
// buckets, one rune per bucket. Buckets without samples render as a space;
// buckets observed on battery are marked with "!" in the companion flags
// line when any sample in them was on battery.
func Sparkline(samples []models.UPSSnapshot, buckets int) string {
	if len(samples) == 0 || buckets <= 0 {
		return ""
	}

	from := samples[0].CheckedAt
	to := samples[len(samples)-1].CheckedAt
	span := to.Sub(from)
	if span <= 0 {
		span = time.Second
	}
	bucketDur := span / time.Duration(buckets)
	if bucketDur <= 0 {
		bucketDur = time.Second
	}

	type acc struct {
		sum       float64
		n         int
		onBattery bool
	}
	accs := make([]acc, buckets)
	for _, s := range samples {
		idx := int(s.CheckedAt.Sub(from) / bucketDur)
		if idx >= buckets {
			idx = buckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		if s.ChargePercent != nil {
			accs[idx].sum += *s.ChargePercent
			accs[idx].n++
		}
		if s.OnBattery {
			accs[idx].onBattery = true
		}
	}

	var charge, flags strings.Builder
	anyOnBattery := false
	for _, a := range accs {
		if a.n == 0 {
			charge.WriteRune(' ')
			flags.WriteRune(' ')
			continue
		}
		avg := a.sum / float64(a.n)
		level := int(avg / 100 * float64(len(sparkLevels)))
		if level >= len(sparkLevels) {
			level = len(sparkLevels) - 1
		}
		if level < 0 {
			level = 0
		}
		charge.WriteRune(sparkLevels[level])
		if a.onBattery {
			flags.WriteRune('!')
			anyOnBattery = true
		} else {
			flags.WriteRune(' ')
		}
	}

	out := charge.String()
	if anyOnBattery {
		out += "\n" + flags.String()
	}
	return out
}

func (l *Log) appendFile(s models.UPSSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ensure log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	row, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = f.Write(append(row, '\n'))
	return err
}

func (l *Log) preload(window time.Duration) {
	f, err := os.Open(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("ups log preload failed", "path", l.path, "error", err)
		}
		return
	}
	defer f.Close()

	cutoff := l.now().UTC().Add(-window)
	loaded := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s models.UPSSnapshot
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		if s.CheckedAt.Before(cutoff) {
			continue
		}
		l.ring = append(l.ring, s)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("ups log preload truncated", "path", l.path, "error", err)
	}
	if len(l.ring) > l.cap {
		l.ring = l.ring[len(l.ring)-l.cap:]
	}

	l.logger.Info("ups log preloaded", "path", l.path, "rows", loaded)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
