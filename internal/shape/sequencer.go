package shape

import (
	"sync"
	"sync/atomic"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

type streamKey struct {
	device string
	kind   capability.SignalKind
}

// Sequencer allocates monotonic sequence numbers per (device, kind). Numbers
// increase for the lifetime of a connection; Forget restarts a device's
// streams from 1 after a disconnect.
type Sequencer struct {
	mu       sync.RWMutex
	counters map[streamKey]*uint64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[streamKey]*uint64)}
}

// Next returns the next sequence number for (device, kind), starting at 1.
func (s *Sequencer) Next(device string, kind capability.SignalKind) uint64 {
	key := streamKey{device, kind}

	s.mu.RLock()
	counter, exists := s.counters[key]
	s.mu.RUnlock()

	if exists {
		return atomic.AddUint64(counter, 1)
	}

	s.mu.Lock()
	// Another emission path may have created it between the locks.
	counter, exists = s.counters[key]
	if !exists {
		var initial uint64
		counter = &initial
		s.counters[key] = counter
	}
	s.mu.Unlock()

	return atomic.AddUint64(counter, 1)
}

// Peek returns the number Next would allocate for (device, kind) without
// consuming it. Only safe on a stream's single emission path, where no other
// goroutine advances the same counter between Peek and Next.
func (s *Sequencer) Peek(device string, kind capability.SignalKind) uint64 {
	key := streamKey{device, kind}

	s.mu.RLock()
	counter, exists := s.counters[key]
	s.mu.RUnlock()

	if !exists {
		return 1
	}
	return atomic.LoadUint64(counter) + 1
}

// Forget drops all counters for a device.
func (s *Sequencer) Forget(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.counters {
		if key.device == device {
			delete(s.counters, key)
		}
	}
}
