// Package align reconstructs absolute event timelines for beat-interval
// streams. Devices report only the duration since the previous beat; this
// package anchors those relative durations to the host clock so beat-level
// data can be correlated against continuously-sampled streams.
package align

import (
	"sync"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

type seriesKey struct {
	device string
	kind   capability.SignalKind
}

// Aligner tracks one reconstructed timeline per (device, stream kind).
//
// Deliveries arrive on the capability layer's goroutines concurrently with
// reader-side access, so all series state lives behind one mutex.
type Aligner struct {
	mu   sync.Mutex
	last map[seriesKey]float64
}

// New creates an empty aligner.
func New() *Aligner {
	return &Aligner{last: make(map[seriesKey]float64)}
}

// Reset discards the series anchor for (device, kind). Callers must reset
// exactly once per new streaming session, on the first batch after a
// (re)connect; a stale anchor silently corrupts alignment.
func (a *Aligner) Reset(device string, kind capability.SignalKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.last, seriesKey{device, kind})
}

// Forget drops all series state for a device. Called on disconnect.
func (a *Aligner) Forget(device string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.last {
		if key.device == device {
			delete(a.last, key)
		}
	}
}

// AlignBatch reconstructs absolute times for a batch of intervals arriving
// together at host time tHost. With prior state the walk continues forward
// from the last event. Without prior state the reconstructed end of the batch
// is anchored to tHost and the start found by walking backward through the
// total duration; the anchor is the arrival instant, not the first sample's
// instant.
//
// Intervals are integral milliseconds; the timeline is float seconds with no
// drift correction. An empty batch is a no-op returning nil.
func (a *Aligner) AlignBatch(device string, kind capability.SignalKind, intervalsMs []int, tHost float64) []float64 {
	if len(intervalsMs) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := seriesKey{device, kind}
	cursor, known := a.last[key]
	if !known {
		total := 0.0
		for _, ms := range intervalsMs {
			total += float64(ms) / 1000.0
		}
		cursor = tHost - total
	}

	times := make([]float64, len(intervalsMs))
	for i, ms := range intervalsMs {
		cursor += float64(ms) / 1000.0
		times[i] = cursor
	}

	a.last[key] = cursor
	return times
}

// AlignSingle reconstructs the absolute time of one event. With prior state
// the event lands at previous + interval; the first event of a session
// anchors directly to arrival time.
func (a *Aligner) AlignSingle(device string, kind capability.SignalKind, intervalMs int, tHost float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := seriesKey{device, kind}
	last, known := a.last[key]

	var te float64
	if known {
		te = last + float64(intervalMs)/1000.0
	} else {
		te = tHost
	}

	a.last[key] = te
	return te
}
