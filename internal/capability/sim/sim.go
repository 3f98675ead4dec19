// Package sim provides a simulated sensor capability. It stands in for the
// real wireless hardware layer: subscriptions are acknowledged before data
// flows, deliveries arrive on the simulator's own goroutines, and the benign
// "already in state" race can be provoked on demand.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

// Simulator implements capability.Capability over synthetic devices.
type Simulator struct {
	mu      sync.Mutex
	log     zerolog.Logger
	devices map[string]*simDevice

	// AckDelay is the gap between subscription acknowledgment and the first
	// delivered batch, mimicking hardware that acks before streaming.
	AckDelay time.Duration

	// BatchInterval is the cadence of continuous-sample deliveries.
	BatchInterval time.Duration
}

type simDevice struct {
	id      string
	streams map[capability.SignalKind]*simStream
	beat    *simStream // single multiplexed beat subscription
}

type simStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a simulator with the given synthetic device ids.
func New(log zerolog.Logger, deviceIDs ...string) *Simulator {
	s := &Simulator{
		log:           log.With().Str("component", "sim").Logger(),
		devices:       make(map[string]*simDevice),
		AckDelay:      200 * time.Millisecond,
		BatchInterval: time.Second,
	}
	for _, id := range deviceIDs {
		s.devices[id] = &simDevice{
			id:      id,
			streams: make(map[capability.SignalKind]*simStream),
		}
	}
	return s
}

// DeviceIDs returns the simulated device ids in no particular order; callers
// sort when they need determinism.
func (s *Simulator) DeviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// Offers returns a fixed advertisement per kind.
func (s *Simulator) Offers(ctx context.Context, deviceID string, kind capability.SignalKind) (capability.Offer, error) {
	s.mu.Lock()
	_, exists := s.devices[deviceID]
	s.mu.Unlock()
	if !exists {
		return capability.Offer{}, capability.NormalizeVendorError(fmt.Errorf("DEVICE_NOT_CONNECTED: %s", deviceID), nil)
	}

	spec, ok := capability.Spec(kind)
	if !ok {
		return capability.Offer{}, capability.ErrUnsupported
	}
	if !spec.Continuous {
		return capability.Offer{}, nil
	}

	offer := capability.Offer{
		SampleRates:       []int{int(spec.NominalRate)},
		Resolutions:       []int{14, 16, 22},
		DefaultSampleRate: int(spec.NominalRate),
		DefaultResolution: 14,
	}
	if kind == capability.KindACC {
		offer.Ranges = []int{2, 4, 8}
		offer.DefaultRange = 8
	}
	return offer, nil
}

// StartStream acknowledges immediately and begins delivering batches after
// AckDelay. Starting an already-active stream reproduces the hardware's
// "already in state" error.
func (s *Simulator) StartStream(ctx context.Context, deviceID string, kind capability.SignalKind, settings capability.StreamSettings, deliver capability.DeliverFunc) (capability.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, exists := s.devices[deviceID]
	if !exists {
		return nil, capability.NormalizeVendorError(fmt.Errorf("DEVICE_NOT_CONNECTED: %s", deviceID), nil)
	}

	spec, ok := capability.Spec(kind)
	if !ok {
		return nil, capability.ErrUnsupported
	}

	if spec.SharedBeat {
		if dev.beat != nil {
			return nil, capability.NormalizeVendorError(fmt.Errorf("STREAM_ALREADY_STARTED: beat on %s", deviceID), nil)
		}
		stream := s.launchBeat(dev, deliver)
		dev.beat = stream
		return &simSubscription{sim: s, device: deviceID, kind: kind, stream: stream}, nil
	}

	if _, active := dev.streams[kind]; active {
		return nil, capability.NormalizeVendorError(fmt.Errorf("STREAM_ALREADY_STARTED: %s on %s", kind, deviceID), nil)
	}
	stream := s.launchContinuous(dev, kind, spec, settings, deliver)
	dev.streams[kind] = stream
	return &simSubscription{sim: s, device: deviceID, kind: kind, stream: stream}, nil
}

func (s *Simulator) launchContinuous(dev *simDevice, kind capability.SignalKind, spec capability.KindSpec, settings capability.StreamSettings, deliver capability.DeliverFunc) *simStream {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &simStream{cancel: cancel, done: make(chan struct{})}

	rate := float64(settings.SampleRate)
	if rate == 0 {
		rate = spec.NominalRate
	}

	go func() {
		defer close(stream.done)

		select {
		case <-time.After(s.AckDelay):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(s.BatchInterval)
		defer ticker.Stop()

		phase := 0.0
		for {
			batch := synthBatch(dev.id, kind, spec, rate, settings.RangeG, s.BatchInterval, &phase)
			deliver(capability.Delivery{Samples: &batch})

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream
}

func (s *Simulator) launchBeat(dev *simDevice, deliver capability.DeliverFunc) *simStream {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &simStream{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(stream.done)

		select {
		case <-time.After(s.AckDelay):
		case <-ctx.Done():
			return
		}

		intervalMs := 800
		for {
			// Wander the inter-beat interval a little each beat.
			intervalMs += rand.Intn(41) - 20
			if intervalMs < 500 {
				intervalMs = 500
			}
			if intervalMs > 1200 {
				intervalMs = 1200
			}

			contact := true
			batch := capability.BeatBatch{
				Device:      dev.id,
				THost:       nowSeconds(),
				HeartRate:   60000 / intervalMs,
				IntervalsMs: []int{intervalMs},
				Contact:     &contact,
			}
			deliver(capability.Delivery{Beats: &batch})

			select {
			case <-time.After(time.Duration(intervalMs) * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream
}

func (s *Simulator) release(deviceID string, kind capability.SignalKind, stream *simStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, exists := s.devices[deviceID]
	if !exists {
		return
	}
	if capability.IsBeatKind(kind) {
		if dev.beat == stream {
			dev.beat = nil
		}
		return
	}
	if dev.streams[kind] == stream {
		delete(dev.streams, kind)
	}
}

type simSubscription struct {
	sim    *Simulator
	device string
	kind   capability.SignalKind
	stream *simStream
	once   sync.Once
}

func (s *simSubscription) Cancel() {
	s.once.Do(func() {
		s.stream.cancel()
		<-s.stream.done
		s.sim.release(s.device, s.kind, s.stream)
	})
}

// synthBatch generates one batch of sine-shaped samples.
func synthBatch(deviceID string, kind capability.SignalKind, spec capability.KindSpec, rate float64, rangeG int, span time.Duration, phase *float64) capability.SampleBatch {
	n := int(rate * span.Seconds())
	if n < 1 {
		n = 1
	}

	samples := make([][]int32, n)
	for i := range samples {
		vec := make([]int32, spec.Channels)
		for c := range vec {
			vec[c] = int32(1000 * math.Sin(*phase+float64(c)))
		}
		*phase += 2 * math.Pi / rate
		samples[i] = vec
	}

	return capability.SampleBatch{
		Device:  deviceID,
		Kind:    kind,
		THost:   nowSeconds(),
		Rate:    rate,
		RangeG:  rangeG,
		Samples: samples,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
