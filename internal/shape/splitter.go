package shape

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

// seedGuess is the initial fragment-length guess for a stream that has not
// emitted before. Successive batches tend to need similar fragment sizes, so
// the surviving guess amortizes probing toward one attempt per fragment.
const seedGuess = 16

// Splitter fragments continuous sample batches so every serialized packet
// stays under the transport byte cap. Fragmentation never reorders,
// duplicates, or drops samples: concatenating all fragments of one batch in
// emission order reproduces the batch exactly.
type Splitter struct {
	byteCap int
	enabled bool
	seq     *Sequencer

	mu    sync.Mutex
	guess map[streamKey]int
}

// NewSplitter creates a splitter with the given byte cap. When disabled,
// batches are encoded whole regardless of size.
func NewSplitter(byteCap int, enabled bool, seq *Sequencer) *Splitter {
	return &Splitter{
		byteCap: byteCap,
		enabled: enabled,
		seq:     seq,
		guess:   make(map[streamKey]int),
	}
}

// Encode serializes a continuous batch into one or more wire packets, each
// within the byte cap except the unavoidable single-sample fallback. Each
// fragment gets its own sequence number and a recomputed time base
// (batch time + sample offset / rate), so receivers reconstruct exact timing
// independent of fragmentation boundaries.
//
// Probes that do not get emitted never consume a sequence number; receivers
// may treat sequence gaps as loss.
func (s *Splitter) Encode(batch capability.SampleBatch) ([][]byte, error) {
	if len(batch.Samples) == 0 {
		return nil, nil
	}
	spec, ok := capability.Spec(batch.Kind)
	if !ok || !spec.Continuous {
		return nil, fmt.Errorf("cannot encode %q as a continuous kind: %w", batch.Kind, capability.ErrUnsupported)
	}

	whole, err := s.marshalFragment(batch, 0, len(batch.Samples))
	if err != nil {
		return nil, err
	}
	if !s.enabled || len(whole) <= s.byteCap {
		s.seq.Next(batch.Device, batch.Kind)
		return [][]byte{whole}, nil
	}

	return s.split(batch)
}

func (s *Splitter) split(batch capability.SampleBatch) ([][]byte, error) {
	key := streamKey{batch.Device, batch.Kind}

	s.mu.Lock()
	guess, known := s.guess[key]
	s.mu.Unlock()
	if !known || guess < 1 {
		guess = seedGuess
	}

	var fragments [][]byte
	cursor := 0
	total := len(batch.Samples)

	for cursor < total {
		n := guess
		if remaining := total - cursor; n > remaining {
			n = remaining
		}

		payload, err := s.marshalFragment(batch, cursor, n)
		if err != nil {
			return nil, err
		}

		if len(payload) <= s.byteCap || n == 1 {
			// A lone sample over the cap is force-emitted rather than
			// silently dropped. A short final remainder does not disturb
			// the settled guess.
			s.seq.Next(batch.Device, batch.Kind)
			fragments = append(fragments, payload)
			cursor += n
			continue
		}

		guess = n / 2
	}

	s.mu.Lock()
	s.guess[key] = guess
	s.mu.Unlock()

	return fragments, nil
}

// marshalFragment serializes samples [cursor, cursor+n) with the sequence
// number the stream's emission path will commit on emit.
func (s *Splitter) marshalFragment(batch capability.SampleBatch, cursor, n int) ([]byte, error) {
	spec, _ := capability.Spec(batch.Kind)

	tBase := batch.THost
	if batch.Rate > 0 {
		tBase += float64(cursor) / batch.Rate
	}

	packet := ContinuousPacket{
		Type:    spec.Wire,
		Device:  batch.Device,
		TDevice: tBase,
		Seq:     s.seq.Peek(batch.Device, batch.Kind),
		Rate:    batch.Rate,
		N:       n,
		RangeG:  batch.RangeG,
		Samples: batch.Samples[cursor : cursor+n],
	}

	data, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshal %s fragment for %s: %w", batch.Kind, batch.Device, err)
	}
	return data, nil
}

// ByteCap returns the configured cap, for status surfaces.
func (s *Splitter) ByteCap() int {
	return s.byteCap
}

// Forget drops the fragment-size guesses for a device.
func (s *Splitter) Forget(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.guess {
		if key.device == device {
			delete(s.guess, key)
		}
	}
}
