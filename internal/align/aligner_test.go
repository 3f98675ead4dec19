package align

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

const timeEpsilon = 1e-9

func TestAlignBatch_FirstBatchAnchorsEndToArrival(t *testing.T) {
	a := New()

	// No prior state: anchor = 100.0 - 1.6 = 98.4, outputs walk forward.
	times := a.AlignBatch("X", capability.KindRR, []int{800, 800}, 100.0)

	require.Len(t, times, 2)
	assert.InDelta(t, 99.2, times[0], timeEpsilon)
	assert.InDelta(t, 100.0, times[1], timeEpsilon)
}

func TestAlignBatch_HistoryDeterminesAnchor(t *testing.T) {
	a := New()
	a.AlignBatch("X", capability.KindRR, []int{800, 800}, 100.0)

	// Prior last=100.0: the next batch walks from history, not arrival time.
	times := a.AlignBatch("X", capability.KindRR, []int{750}, 101.0)

	require.Len(t, times, 1)
	assert.InDelta(t, 100.75, times[0], timeEpsilon)
}

func TestAlignBatch_TimesStrictlyIncreasing(t *testing.T) {
	a := New()
	a.AlignBatch("X", capability.KindRR, []int{900}, 50.0)

	intervals := []int{800, 750, 820, 790, 805}
	times := a.AlignBatch("X", capability.KindRR, intervals, 55.0)

	require.Len(t, times, len(intervals))
	last := 50.0
	sum := 0.0
	for i, te := range times {
		assert.Greater(t, te, last, "time %d must increase", i)
		last = te
		sum += float64(intervals[i]) / 1000.0
	}
	assert.InDelta(t, 50.0+sum, times[len(times)-1], timeEpsilon)
}

func TestAlignBatch_EmptyBatchIsNoOp(t *testing.T) {
	a := New()
	a.AlignBatch("X", capability.KindRR, []int{800}, 10.0)

	assert.Nil(t, a.AlignBatch("X", capability.KindRR, nil, 11.0))

	// State untouched: next interval still continues from 10.0.
	times := a.AlignBatch("X", capability.KindRR, []int{500}, 12.0)
	require.Len(t, times, 1)
	assert.InDelta(t, 10.5, times[0], timeEpsilon)
}

func TestAlignSingle_FirstEventAnchorsToArrival(t *testing.T) {
	a := New()

	te := a.AlignSingle("X", capability.KindHR, 800, 100.0)
	assert.InDelta(t, 100.0, te, timeEpsilon)

	// Second event: previous + interval.
	te = a.AlignSingle("X", capability.KindHR, 750, 101.2)
	assert.InDelta(t, 100.75, te, timeEpsilon)
}

func TestReset_DiscardsAnchor(t *testing.T) {
	a := New()
	a.AlignBatch("X", capability.KindRR, []int{800}, 100.0)

	a.Reset("X", capability.KindRR)

	// After reset, the next batch re-anchors to arrival time.
	times := a.AlignBatch("X", capability.KindRR, []int{1000}, 200.0)
	require.Len(t, times, 1)
	assert.InDelta(t, 200.0, times[0], timeEpsilon)
}

func TestSeries_IndependentPerDeviceAndKind(t *testing.T) {
	a := New()

	a.AlignBatch("X", capability.KindRR, []int{800}, 100.0)
	timesY := a.AlignBatch("Y", capability.KindRR, []int{800}, 500.0)
	timesHR := a.AlignBatch("X", capability.KindHR, []int{800}, 300.0)

	require.Len(t, timesY, 1)
	require.Len(t, timesHR, 1)
	assert.InDelta(t, 500.0, timesY[0], timeEpsilon)
	assert.InDelta(t, 300.0, timesHR[0], timeEpsilon)
}

func TestForget_DropsAllDeviceSeries(t *testing.T) {
	a := New()
	a.AlignBatch("X", capability.KindRR, []int{800}, 100.0)
	a.AlignSingle("X", capability.KindHR, 800, 100.0)
	a.AlignBatch("Y", capability.KindRR, []int{800}, 100.0)

	a.Forget("X")

	// X re-anchors, Y keeps its history.
	timesX := a.AlignBatch("X", capability.KindRR, []int{1000}, 300.0)
	timesY := a.AlignBatch("Y", capability.KindRR, []int{1000}, 300.0)
	require.Len(t, timesX, 1)
	require.Len(t, timesY, 1)
	assert.InDelta(t, 300.0, timesX[0], timeEpsilon)
	assert.InDelta(t, 101.0, timesY[0], timeEpsilon)
}

func TestAligner_ConcurrentSeriesAreSafe(t *testing.T) {
	a := New()

	var wg sync.WaitGroup
	devices := []string{"A", "B", "C", "D"}
	for _, device := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			tHost := 100.0
			for i := 0; i < 200; i++ {
				tHost += 0.8
				a.AlignBatch(device, capability.KindRR, []int{800}, tHost)
			}
		}(device)
	}
	wg.Wait()

	// Each series advanced by exactly 200 intervals from its own anchor.
	for _, device := range devices {
		times := a.AlignBatch(device, capability.KindRR, []int{800}, 0)
		require.Len(t, times, 1)
		expected := 100.8 + 200*0.8
		assert.True(t, math.Abs(times[0]-expected) < 1e-6, "device %s drifted: %f", device, times[0])
	}
}
