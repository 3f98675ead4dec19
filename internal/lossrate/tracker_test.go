package lossrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

func TestEstimate_UndefinedBeforeFirstArrival(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 130)

	_, ok := tr.Estimate("D", capability.KindECG, time.Now())
	assert.False(t, ok, "estimate must be undefined before any sample arrives")
}

func TestEstimate_UndefinedForUnknownStream(t *testing.T) {
	tr := New()

	_, ok := tr.Estimate("D", capability.KindECG, time.Now())
	assert.False(t, ok)
}

func TestEstimate_ZeroLossAcrossFullWindow(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 130)

	start := time.Now()
	// One batch per second at exactly the nominal rate for a full window.
	for i := 0; i <= 60; i++ {
		tr.Record("D", capability.KindECG, 130, start.Add(time.Duration(i)*time.Second))
	}

	loss, ok := tr.Estimate("D", capability.KindECG, start.Add(60*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 0.0, loss, 0.02)
}

func TestEstimate_HalfLoss(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 100)

	start := time.Now()
	// 10 seconds elapsed since first point, but only 5 seconds worth arrived.
	tr.Record("D", capability.KindECG, 100, start)
	tr.Record("D", capability.KindECG, 400, start.Add(10*time.Second))

	loss, ok := tr.Estimate("D", capability.KindECG, start.Add(10*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 0.5, loss, 1e-9)
}

func TestEstimate_ClampedToZeroOnOverdelivery(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindPPG, 55)

	start := time.Now()
	tr.Record("D", capability.KindPPG, 55, start)
	tr.Record("D", capability.KindPPG, 200, start.Add(time.Second))

	loss, ok := tr.Estimate("D", capability.KindPPG, start.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 0.0, loss)
}

func TestEstimate_PrunesPointsOlderThanWindow(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 100)

	start := time.Now()
	tr.Record("D", capability.KindECG, 100, start)

	// Two minutes later the old point is gone; only fresh arrivals count.
	later := start.Add(2 * time.Minute)
	tr.Record("D", capability.KindECG, 100, later)
	tr.Record("D", capability.KindECG, 100, later.Add(2*time.Second))

	loss, ok := tr.Estimate("D", capability.KindECG, later.Add(2*time.Second))
	require.True(t, ok)
	// 2s elapsed from the surviving first point, expected 200, arrived 200.
	assert.InDelta(t, 0.0, loss, 1e-9)
}

func TestRegister_ZeroRateNeverEstimates(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 0)
	tr.Record("D", capability.KindECG, 100, time.Now())

	_, ok := tr.Estimate("D", capability.KindECG, time.Now())
	assert.False(t, ok)
}

func TestRegister_ReplacesWindowOnRestart(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 100)
	tr.Record("D", capability.KindECG, 50, time.Now())

	// Re-registration on a new session discards prior arrivals.
	tr.Register("D", capability.KindECG, 100)
	_, ok := tr.Estimate("D", capability.KindECG, time.Now())
	assert.False(t, ok)
}

func TestForget_DropsDeviceWindows(t *testing.T) {
	tr := New()
	tr.Register("D", capability.KindECG, 100)
	tr.Register("D", capability.KindACC, 50)
	tr.Register("E", capability.KindECG, 100)

	tr.Forget("D")

	assert.Empty(t, tr.Kinds("D"))
	assert.Equal(t, []capability.SignalKind{capability.KindECG}, tr.Kinds("E"))
}
