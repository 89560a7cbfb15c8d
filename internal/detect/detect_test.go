package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitra/internal/models"
)

func TestIPChanged(t *testing.T) {
	tests := []struct {
		name string
		prev string
		curr string
		want bool
	}{
		{"first observation", "", "1.2.3.4", false},
		{"unchanged", "1.2.3.4", "1.2.3.4", false},
		{"changed", "1.2.3.4", "5.6.7.8", true},
		{"empty fetch", "1.2.3.4", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IPChanged(tc.prev, tc.curr))
		})
	}
}

func testPolicy() UPSPolicy {
	return UPSPolicy{
		WarnTimeToEmpty:     10 * time.Minute,
		CriticalTimeToEmpty: 3 * time.Minute,
		ChargeDropPercent:   10,
	}
}

func snap(onBattery bool, charge, tte *float64) *models.UPSSnapshot {
	return &models.UPSSnapshot{
		OnBattery:          onBattery,
		ChargePercent:      charge,
		TimeToEmptySeconds: tte,
	}
}

func TestEvaluateFirstObservationSilent(t *testing.T) {
	_, fired := testPolicy().Evaluate(nil, snap(true, models.Float(50), models.Float(120)))
	assert.False(t, fired)
}

func TestEvaluateOnBatteryTransitionFires(t *testing.T) {
	// charge percentage unchanged; the transition alone is notify-worthy
	prev := snap(false, models.Float(81), models.Float(3600))
	curr := snap(true, models.Float(81), models.Float(3600))

	ev, fired := testPolicy().Evaluate(prev, curr)
	require.True(t, fired)
	assert.Equal(t, LevelWarn, ev.Level)
	assert.Contains(t, ev.Message, "battery power")
	assert.Contains(t, ev.Message, "1h 0m 0s")
}

func TestEvaluatePowerRestored(t *testing.T) {
	ev, fired := testPolicy().Evaluate(snap(true, nil, nil), snap(false, nil, nil))
	require.True(t, fired)
	assert.Equal(t, LevelInfo, ev.Level)
	assert.Contains(t, ev.Message, "restored")
}

func TestEvaluateChargeTickBelowThresholdSilent(t *testing.T) {
	prev := snap(false, models.Float(81), nil)
	curr := snap(false, models.Float(80), nil)

	_, fired := testPolicy().Evaluate(prev, curr)
	assert.False(t, fired)
}

func TestEvaluateChargeDropAtThresholdFires(t *testing.T) {
	prev := snap(false, models.Float(90), nil)
	curr := snap(false, models.Float(80), nil)

	ev, fired := testPolicy().Evaluate(prev, curr)
	require.True(t, fired)
	assert.Equal(t, LevelWarn, ev.Level)
}

func TestEvaluateRuntimeThresholds(t *testing.T) {
	pol := testPolicy()

	// above warn threshold: silent while steadily on battery
	_, fired := pol.Evaluate(snap(true, nil, models.Float(1200)), snap(true, nil, models.Float(1100)))
	assert.False(t, fired)

	ev, fired := pol.Evaluate(snap(true, nil, models.Float(1200)), snap(true, nil, models.Float(500)))
	require.True(t, fired)
	assert.Equal(t, LevelWarn, ev.Level)

	ev, fired = pol.Evaluate(snap(true, nil, models.Float(500)), snap(true, nil, models.Float(100)))
	require.True(t, fired)
	assert.Equal(t, LevelCritical, ev.Level)
}

func TestEvaluateThresholdsIgnoredOnLine(t *testing.T) {
	// low runtime reading while on utility power is not an alert
	_, fired := testPolicy().Evaluate(snap(false, nil, models.Float(60)), snap(false, nil, models.Float(60)))
	assert.False(t, fired)
}
