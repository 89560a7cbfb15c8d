package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/chronon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// manualTimer gives the test complete control over the loop's sleep phase:
// each registration is announced on created, and the test fires ticks on tick.
type manualTimer struct {
	created chan struct{}
	tick    chan time.Time
}

func newManualTimer() *manualTimer {
	return &manualTimer{
		created: make(chan struct{}, 16),
		tick:    make(chan time.Time),
	}
}

func (m *manualTimer) newTimer(time.Duration) (<-chan time.Time, func() bool) {
	m.created <- struct{}{}
	return m.tick, func() bool { return true }
}

func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	select {
	case m.tick <- time.Time{}:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never read its timer")
	}
}

func (m *manualTimer) awaitSleep(t *testing.T) {
	t.Helper()
	select {
	case <-m.created:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never entered its sleep phase")
	}
}

func TestLoopRunsCyclesAndSurvivesFailures(t *testing.T) {
	var calls atomic.Int32
	cycle := func(context.Context) error {
		n := calls.Add(1)
		if n == 2 {
			return errors.New("transient fetch failure")
		}
		return nil
	}

	mt := newManualTimer()
	l := New("test", time.Second, cycle, testLogger())
	l.newTimer = mt.newTimer

	l.Start()
	mt.awaitSleep(t) // initial cycle has run

	mt.fire(t) // cycle 2: fails
	mt.awaitSleep(t)
	mt.fire(t) // cycle 3: recovers
	mt.awaitSleep(t)

	l.Stop()
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, l.ConsecutiveFailures())
}

func TestLoopStopObservedInSleepPhase(t *testing.T) {
	mt := newManualTimer()
	l := New("test", time.Second, func(context.Context) error { return nil }, testLogger())
	l.newTimer = mt.newTimer

	l.Start()
	mt.awaitSleep(t)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not complete")
	}

	// Stop again is safe
	l.Stop()
}

func TestRunOnceTracksFailures(t *testing.T) {
	fc := chronon.NewFakeClock(time.Now())

	fail := true
	l := New("test", time.Second, func(context.Context) error {
		if fail {
			return errors.New("unreachable")
		}
		return nil
	}, testLogger())
	l.now = fc.Now

	require.Error(t, l.RunOnce(context.Background()))
	require.Error(t, l.RunOnce(context.Background()))
	assert.Equal(t, 2, l.ConsecutiveFailures())

	lastRun, lastErr := l.LastRun()
	assert.Equal(t, fc.Now().UTC(), lastRun)
	assert.Error(t, lastErr)

	fail = false
	require.NoError(t, l.RunOnce(context.Background()))
	assert.Zero(t, l.ConsecutiveFailures())
}

func TestRunOnceAppliesCycleTimeout(t *testing.T) {
	l := New("test", time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, testLogger(), WithCycleTimeout(10*time.Millisecond))

	err := l.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
