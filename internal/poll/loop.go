// Package poll provides the interval-driven execution unit shared by the IP,
// UPS, and update monitors. Each loop runs one cycle function on a fixed
// interval; a failed cycle is logged and skipped, never fatal.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cycle is one fetch-compare-notify-persist round. Implementations must
// respect ctx cancellation; the loop bounds each cycle with a timeout.
type Cycle func(ctx context.Context) error

// Loop periodically runs a Cycle until stopped. The zero value is not
// usable; construct with New.
type Loop struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	cycle    Cycle
	logger   *slog.Logger

	now      now
	newTimer newTimer

	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	started      bool
	lastRun      time.Time
	lastErr      error
	consecFailed int
}

// Option tailors a Loop.
type Option func(*Loop)

// WithCycleTimeout bounds each cycle with a deadline. The default is
// 30 seconds; a cycle that performs no network I/O can lower it.
func WithCycleTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New builds a loop named for logging. Intervals under one second are
// clamped to one second.
func New(name string, interval time.Duration, cycle Cycle, logger *slog.Logger, opts ...Option) *Loop {
	if interval < time.Second {
		interval = time.Second
	}

	l := &Loop{
		name:     name,
		interval: interval,
		timeout:  30 * time.Second,
		cycle:    cycle,
		logger:   logger.With("loop", name),
		now:      time.Now,
		newTimer: defaultNewTimer,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop in a goroutine. The first cycle runs immediately;
// subsequent cycles run once per interval. Start is a no-op after the first
// call.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Stop requests cooperative termination and waits until the loop exits.
// The loop observes cancellation at the top of its sleep phase, within one
// interval.
func (l *Loop) Stop() {
	select {
	case <-l.doneCh:
		return
	default:
	}
	close(l.stopCh)
	<-l.doneCh
}

// RunOnce executes a single cycle synchronously. On-demand command paths
// share this entry point with the periodic loop.
func (l *Loop) RunOnce(ctx context.Context) error {
	cycleCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.cycle(cycleCtx)

	l.mu.Lock()
	l.lastRun = l.now().UTC()
	l.lastErr = err
	if err != nil {
		l.consecFailed++
	} else {
		l.consecFailed = 0
	}
	l.mu.Unlock()

	return err
}

// LastRun returns the time of the most recent cycle and its error, if any.
func (l *Loop) LastRun() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRun, l.lastErr
}

// ConsecutiveFailures returns the count of cycles failed in a row. It resets
// to zero on any successful cycle and never affects last-good values.
func (l *Loop) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecFailed
}

func (l *Loop) run() {
	defer close(l.doneCh)

	if err := l.RunOnce(context.Background()); err != nil {
		l.logger.Warn("initial cycle failed", "error", err)
	}

	for {
		timeCh, stop := l.newTimer(l.interval)
		select {
		case <-l.stopCh:
			stop()
			return
		case <-timeCh:
			if err := l.RunOnce(context.Background()); err != nil {
				l.logger.Warn("cycle failed", "error", err)
			}
		}
	}
}
