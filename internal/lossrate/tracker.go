// Package lossrate estimates, per device and signal kind, the fraction of
// expected samples missing over a trailing 60-second window. The estimate is
// indicative only; it is the system's sole surface for persistent stream
// quality problems.
package lossrate

import (
	"sync"
	"time"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

// Window is the trailing span arrivals are evaluated over.
const Window = 60 * time.Second

type windowKey struct {
	device string
	kind   capability.SignalKind
}

type arrival struct {
	at    time.Time
	count int
}

type window struct {
	fs     float64
	points []arrival
}

// Tracker holds one sliding arrival window per (device, kind).
type Tracker struct {
	mu      sync.Mutex
	windows map[windowKey]*window
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{windows: make(map[windowKey]*window)}
}

// Register creates the window for (device, kind) at nominal rate fs,
// replacing any previous window. A zero or negative rate is rejected as a
// no-op; such a stream never produces an estimate.
func (t *Tracker) Register(device string, kind capability.SignalKind, fs float64) {
	if fs <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[windowKey{device, kind}] = &window{fs: fs}
}

// Record appends an arrival of count samples at time at. Arrivals for
// unregistered streams are dropped.
func (t *Tracker) Record(device string, kind capability.SignalKind, count int, at time.Time) {
	if count <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[windowKey{device, kind}]
	if !exists {
		return
	}

	w.points = append(w.points, arrival{at: at, count: count})
	w.prune(at)
}

// Estimate returns the loss fraction in [0,1] for (device, kind) at time now.
// Before any sample has arrived the estimate is undefined and ok is false;
// callers must not read that as 0% loss.
func (t *Tracker) Estimate(device string, kind capability.SignalKind, now time.Time) (loss float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[windowKey{device, kind}]
	if !exists {
		return 0, false
	}

	w.prune(now)
	if len(w.points) == 0 {
		return 0, false
	}

	elapsed := now.Sub(w.points[0].at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	if elapsed > Window.Seconds() {
		elapsed = Window.Seconds()
	}

	expected := w.fs * elapsed
	arrived := 0
	for _, p := range w.points {
		arrived += p.count
	}

	loss = 1 - float64(arrived)/expected
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}
	return loss, true
}

// Forget drops all windows for a device. Called on disconnect.
func (t *Tracker) Forget(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.windows {
		if key.device == device {
			delete(t.windows, key)
		}
	}
}

// Kinds returns the kinds currently tracked for a device, for status surfaces.
func (t *Tracker) Kinds(device string) []capability.SignalKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	var kinds []capability.SignalKind
	for key := range t.windows {
		if key.device == device {
			kinds = append(kinds, key.kind)
		}
	}
	capability.SortKinds(kinds)
	return kinds
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-Window)
	drop := 0
	for drop < len(w.points) && w.points[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
}
