package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/align"
	"github.com/biosignal-telemetry/btr/internal/capability"
	"github.com/biosignal-telemetry/btr/internal/lossrate"
	"github.com/biosignal-telemetry/btr/internal/metrics"
	"github.com/biosignal-telemetry/btr/internal/sensor"
	"github.com/biosignal-telemetry/btr/internal/shape"
	"github.com/biosignal-telemetry/btr/internal/telemetry"
)

// ErrNoCandidateDevice reports a selection change when no device exists to
// operate on at all. This is the only orchestration error surfaced to users.
var ErrNoCandidateDevice = errors.New("no candidate device")

// ErrUnknownKind reports a selection naming a kind outside the closed set.
var ErrUnknownKind = errors.New("unknown signal kind")

// Sender is the datagram surface the shaped packets flow into.
type Sender interface {
	Send(payload []byte) error
}

// EventPublisher receives monitoring events. Satisfied by *telemetry.Hub.
type EventPublisher interface {
	PublishDevice(deviceID string, event telemetry.Event) error
}

type streamKey struct {
	device string
	kind   capability.SignalKind
}

// Orchestrator reconciles desired signal selections into hardware streams.
// On each selection change it diffs desired against active kinds, enqueues
// stop/start operations into the per-device queue, and wires successfully
// started streams into the shaping pipeline: continuous streams through the
// splitter and loss tracker, beat streams through the event-time aligner.
type Orchestrator struct {
	log      zerolog.Logger
	cap      capability.Capability
	queue    *Queue
	sensors  *sensor.Manager
	aligner  *align.Aligner
	tracker  *lossrate.Tracker
	splitter *shape.Splitter
	seq      *shape.Sequencer
	sender   Sender

	hub     EventPublisher
	metrics *metrics.Metrics

	mu       sync.Mutex
	subs     map[streamKey]capability.Subscription
	beatSubs map[string]capability.Subscription // shared beat subscription per device
}

// OrchestratorConfig carries the orchestrator's collaborators.
type OrchestratorConfig struct {
	Capability capability.Capability
	Queue      *Queue
	Sensors    *sensor.Manager
	Aligner    *align.Aligner
	Tracker    *lossrate.Tracker
	Splitter   *shape.Splitter
	Sequencer  *shape.Sequencer
	Sender     Sender
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(log zerolog.Logger, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		log:      log.With().Str("component", "orchestrator").Logger(),
		cap:      cfg.Capability,
		queue:    cfg.Queue,
		sensors:  cfg.Sensors,
		aligner:  cfg.Aligner,
		tracker:  cfg.Tracker,
		splitter: cfg.Splitter,
		seq:      cfg.Sequencer,
		sender:   cfg.Sender,
		subs:     make(map[streamKey]capability.Subscription),
		beatSubs: make(map[string]capability.Subscription),
	}
}

// SetHub sets the monitoring event publisher.
func (o *Orchestrator) SetHub(hub EventPublisher) {
	o.hub = hub
}

// SetMetrics sets the metrics sink.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetSelection replaces a device's desired signal-kind set and reconciles:
// toStop = active − desired, toStart = desired − active, both enqueued as one
// diff. A selection matching the active set is a no-op.
func (o *Orchestrator) SetSelection(ctx context.Context, deviceID string, kinds []capability.SignalKind) error {
	for _, kind := range kinds {
		if _, ok := capability.Spec(kind); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	}

	if !o.sensors.HasDevices() {
		return ErrNoCandidateDevice
	}

	desired, active, err := o.sensors.SetDesired(deviceID, kinds)
	if err != nil {
		return err
	}

	o.reconcile(deviceID, desired, active)
	return nil
}

// Reconcile re-diffs a device's desired set against its active set, re-requesting
// kinds a failed start left behind. Harmless when nothing diverged.
func (o *Orchestrator) Reconcile(deviceID string) {
	o.reconcile(deviceID, o.sensors.Desired(deviceID), o.sensors.Active(deviceID))
}

func (o *Orchestrator) reconcile(deviceID string, desired, active capability.KindSet) {
	toStop := active.Diff(desired)
	toStart := desired.Diff(active)
	if len(toStop) == 0 && len(toStart) == 0 {
		return
	}

	o.log.Info().Str("device", deviceID).
		Interface("stop", toStop).Interface("start", toStart).
		Msg("reconciling selection")

	stops := make([]Operation, 0, len(toStop))
	for _, kind := range toStop {
		stops = append(stops, o.stopOp(deviceID, kind))
	}
	starts := make([]Operation, 0, len(toStart))
	for _, kind := range toStart {
		starts = append(starts, o.startOp(deviceID, kind))
	}

	o.queue.Enqueue(deviceID, stops, starts)
}

// HandleDiscovery registers a discovered device.
func (o *Orchestrator) HandleDiscovery(dev sensor.Device) {
	o.sensors.Add(dev)
	o.publish(dev.ID, "deviceDiscovered", map[string]interface{}{
		"name": dev.Name,
		"rssi": dev.RSSI,
	})
}

// HandleDisconnect tears down all state for a device: subscriptions, pending
// operations, aligner series, loss windows, sequence counters, and the
// inventory entry itself.
func (o *Orchestrator) HandleDisconnect(deviceID string) {
	o.mu.Lock()
	var cancels []capability.Subscription
	for key, sub := range o.subs {
		if key.device == deviceID {
			cancels = append(cancels, sub)
			delete(o.subs, key)
		}
	}
	if sub, exists := o.beatSubs[deviceID]; exists {
		cancels = append(cancels, sub)
		delete(o.beatSubs, deviceID)
	}
	o.mu.Unlock()

	for _, sub := range cancels {
		sub.Cancel()
	}

	o.queue.Reset(deviceID)
	o.aligner.Forget(deviceID)
	o.tracker.Forget(deviceID)
	o.seq.Forget(deviceID)
	o.splitter.Forget(deviceID)
	_ = o.sensors.Remove(deviceID)

	o.publish(deviceID, "deviceDisconnected", nil)
	o.log.Info().Str("device", deviceID).Msg("device state cleared on disconnect")
}

// Stop cancels every active subscription.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	var cancels []capability.Subscription
	for _, sub := range o.subs {
		cancels = append(cancels, sub)
	}
	for _, sub := range o.beatSubs {
		cancels = append(cancels, sub)
	}
	o.subs = make(map[streamKey]capability.Subscription)
	o.beatSubs = make(map[string]capability.Subscription)
	o.mu.Unlock()

	for _, sub := range cancels {
		sub.Cancel()
	}
}

// startOp builds the start operation for one kind.
func (o *Orchestrator) startOp(deviceID string, kind capability.SignalKind) Operation {
	if capability.IsBeatKind(kind) {
		return o.startBeatOp(deviceID, kind)
	}
	return o.startContinuousOp(deviceID, kind)
}

// stopOp builds the stop operation for one kind.
func (o *Orchestrator) stopOp(deviceID string, kind capability.SignalKind) Operation {
	if capability.IsBeatKind(kind) {
		return o.stopBeatOp(deviceID, kind)
	}
	return o.stopContinuousOp(deviceID, kind)
}

// startContinuousOp negotiates settings and subscribes. The operation
// completes on the first delivered batch, not on subscription acknowledgment:
// the hardware acks before data flows, and advancing the queue on the ack
// would race an immediately-following stop against a not-yet-streaming
// subscription.
func (o *Orchestrator) startContinuousOp(deviceID string, kind capability.SignalKind) Operation {
	spec, _ := capability.Spec(kind)
	rate := spec.NominalRate

	return Operation{
		Type: OpStart,
		Kind: kind,
		Run: func(ctx context.Context, complete func(error)) {
			offer, err := o.cap.Offers(ctx, deviceID, kind)
			if err != nil {
				complete(err)
				return
			}
			settings := capability.Negotiate(offer)
			if settings.SampleRate > 0 {
				rate = float64(settings.SampleRate)
			}

			// The first delivery must not complete the operation until the
			// subscription handle is registered, or a stop dequeued right
			// behind the start would find no subscription to cancel and the
			// hardware stream would leak.
			registered := make(chan struct{})
			var first sync.Once
			sub, err := o.cap.StartStream(ctx, deviceID, kind, settings, func(d capability.Delivery) {
				if d.Err != nil {
					first.Do(func() {
						<-registered
						complete(d.Err)
					})
					o.handleStreamFault(deviceID, kind, d.Err)
					return
				}
				first.Do(func() {
					<-registered
					complete(nil)
				})
				if d.Samples != nil {
					o.handleSamples(*d.Samples)
				}
			})
			if err != nil {
				close(registered)
				complete(err)
				return
			}

			o.mu.Lock()
			o.subs[streamKey{deviceID, kind}] = sub
			o.mu.Unlock()
			close(registered)
		},
		OnDone: func(err error) {
			if err != nil {
				o.publishFault(deviceID, kind, err, "failed to start stream")
				return
			}
			o.sensors.MarkActive(deviceID, kind)
			o.tracker.Register(deviceID, kind, rate)
			if o.metrics != nil {
				o.metrics.ActiveStreams.Inc()
			}
			o.publish(deviceID, "streamStarted", map[string]interface{}{
				"kind": string(kind),
				"fs":   rate,
			})
		},
	}
}

func (o *Orchestrator) stopContinuousOp(deviceID string, kind capability.SignalKind) Operation {
	return Operation{
		Type: OpStop,
		Kind: kind,
		Run: func(ctx context.Context, complete func(error)) {
			o.mu.Lock()
			key := streamKey{deviceID, kind}
			sub, exists := o.subs[key]
			delete(o.subs, key)
			o.mu.Unlock()

			if !exists {
				// Stale stop: the stream is already in the requested state.
				complete(capability.ErrAlreadyInState)
				return
			}
			sub.Cancel()
			complete(nil)
		},
		OnDone: func(err error) {
			if err != nil {
				o.publishFault(deviceID, kind, err, "failed to stop stream")
				return
			}
			wasActive := o.sensors.Active(deviceID).Has(kind)
			o.sensors.MarkInactive(deviceID, kind)
			if wasActive && o.metrics != nil {
				o.metrics.ActiveStreams.Dec()
			}
			o.publish(deviceID, "streamStopped", map[string]interface{}{"kind": string(kind)})
		},
	}
}

// startBeatOp activates one event kind. All beat kinds ride a single
// multiplexed hardware subscription per device; if it is already live the
// operation completes immediately, otherwise it starts the subscription and
// completes on the first delivered beat batch.
func (o *Orchestrator) startBeatOp(deviceID string, kind capability.SignalKind) Operation {
	return Operation{
		Type: OpStart,
		Kind: kind,
		Run: func(ctx context.Context, complete func(error)) {
			o.mu.Lock()
			_, live := o.beatSubs[deviceID]
			o.mu.Unlock()
			if live {
				complete(nil)
				return
			}

			// Same registration gate as the continuous path: the first beat
			// batch may arrive before this goroutine stores the handle.
			registered := make(chan struct{})
			var first sync.Once
			sub, err := o.cap.StartStream(ctx, deviceID, kind, capability.StreamSettings{}, func(d capability.Delivery) {
				if d.Err != nil {
					first.Do(func() {
						<-registered
						complete(d.Err)
					})
					o.handleBeatFault(deviceID, d.Err)
					return
				}
				first.Do(func() {
					<-registered
					complete(nil)
				})
				if d.Beats != nil {
					o.handleBeats(*d.Beats)
				}
			})
			if err != nil {
				close(registered)
				complete(err)
				return
			}

			o.mu.Lock()
			o.beatSubs[deviceID] = sub
			o.mu.Unlock()
			close(registered)
		},
		OnDone: func(err error) {
			if err != nil {
				o.publishFault(deviceID, kind, err, "failed to start beat stream")
				return
			}
			o.sensors.MarkActive(deviceID, kind)
			if o.metrics != nil {
				o.metrics.ActiveStreams.Inc()
			}
			o.publish(deviceID, "streamStarted", map[string]interface{}{"kind": string(kind)})
		},
	}
}

// stopBeatOp deactivates one event kind. The shared subscription stays up
// while any other beat kind is still desired; it is cancelled only when the
// last dependent kind goes.
func (o *Orchestrator) stopBeatOp(deviceID string, kind capability.SignalKind) Operation {
	return Operation{
		Type: OpStop,
		Kind: kind,
		Run: func(ctx context.Context, complete func(error)) {
			o.mu.Lock()
			sub, live := o.beatSubs[deviceID]
			o.mu.Unlock()

			if !live {
				complete(capability.ErrAlreadyInState)
				return
			}

			if o.beatStillNeeded(deviceID, kind) {
				complete(nil)
				return
			}

			o.mu.Lock()
			delete(o.beatSubs, deviceID)
			o.mu.Unlock()
			sub.Cancel()
			complete(nil)
		},
		OnDone: func(err error) {
			if err != nil {
				o.publishFault(deviceID, kind, err, "failed to stop beat stream")
				return
			}
			wasActive := o.sensors.Active(deviceID).Has(kind)
			o.sensors.MarkInactive(deviceID, kind)
			o.sensors.ClearAlignerReset(deviceID, kind)
			if wasActive && o.metrics != nil {
				o.metrics.ActiveStreams.Dec()
			}
			o.publish(deviceID, "streamStopped", map[string]interface{}{"kind": string(kind)})
		},
	}
}

// beatStillNeeded reports whether any other beat kind remains desired for the
// device.
func (o *Orchestrator) beatStillNeeded(deviceID string, stopping capability.SignalKind) bool {
	for kind := range o.sensors.Desired(deviceID) {
		if kind != stopping && capability.IsBeatKind(kind) {
			return true
		}
	}
	return false
}

// handleSamples shapes one continuous batch: record arrival, fragment under
// the byte cap, hand each fragment to the transport.
func (o *Orchestrator) handleSamples(batch capability.SampleBatch) {
	o.tracker.Record(batch.Device, batch.Kind, len(batch.Samples), time.Now())

	fragments, err := o.splitter.Encode(batch)
	if err != nil {
		o.log.Error().Err(err).Str("device", batch.Device).Str("kind", string(batch.Kind)).
			Msg("failed to encode batch")
		return
	}

	for _, frag := range fragments {
		o.send(batch.Device, batch.Kind, frag)
	}
	if o.metrics != nil {
		o.metrics.FragmentsEmitted.WithLabelValues(batch.Device, string(batch.Kind)).
			Add(float64(len(fragments)))
	}

	if loss, ok := o.tracker.Estimate(batch.Device, batch.Kind, time.Now()); ok {
		if o.metrics != nil {
			o.metrics.LossRate.WithLabelValues(batch.Device, string(batch.Kind)).Set(loss)
		}
		o.publish(batch.Device, "lossRate", map[string]interface{}{
			"kind": string(batch.Kind),
			"loss": loss,
		})
	}
}

// handleBeats shapes one beat batch for every active event kind. The aligner
// is reset exactly once per stream session, on the session's first batch.
func (o *Orchestrator) handleBeats(batch capability.BeatBatch) {
	active := o.sensors.Active(batch.Device)

	if active.Has(capability.KindRR) {
		if o.sensors.NeedAlignerReset(batch.Device, capability.KindRR) {
			o.aligner.Reset(batch.Device, capability.KindRR)
		}
		times := o.aligner.AlignBatch(batch.Device, capability.KindRR, batch.IntervalsMs, batch.THost)
		for i, ms := range batch.IntervalsMs {
			payload, err := shape.EncodeEvent(o.seq, batch.Device, shape.Event{
				Kind:    capability.KindRR,
				THost:   batch.THost,
				Ms:      ms,
				Te:      times[i],
				Contact: batch.Contact,
			})
			if err != nil {
				o.log.Error().Err(err).Str("device", batch.Device).Msg("failed to encode rr event")
				continue
			}
			o.send(batch.Device, capability.KindRR, payload)
		}
	}

	if active.Has(capability.KindHR) {
		if o.sensors.NeedAlignerReset(batch.Device, capability.KindHR) {
			o.aligner.Reset(batch.Device, capability.KindHR)
		}

		events := o.shapeHeartRate(batch)
		for _, ev := range events {
			payload, err := shape.EncodeEvent(o.seq, batch.Device, ev)
			if err != nil {
				o.log.Error().Err(err).Str("device", batch.Device).Msg("failed to encode hr event")
				continue
			}
			o.send(batch.Device, capability.KindHR, payload)
		}
	}
}

// shapeHeartRate builds heart-rate events from a beat batch. With intervals
// present each beat gets its reconstructed time; a batch without intervals
// (contact lost, rate-only notification) reports at the arrival instant
// without touching the aligner series.
func (o *Orchestrator) shapeHeartRate(batch capability.BeatBatch) []shape.Event {
	if len(batch.IntervalsMs) == 0 {
		return []shape.Event{{
			Kind:    capability.KindHR,
			THost:   batch.THost,
			Te:      batch.THost,
			Bpm:     batch.HeartRate,
			Contact: batch.Contact,
		}}
	}

	events := make([]shape.Event, 0, len(batch.IntervalsMs))
	for _, ms := range batch.IntervalsMs {
		te := o.aligner.AlignSingle(batch.Device, capability.KindHR, ms, batch.THost)
		events = append(events, shape.Event{
			Kind:    capability.KindHR,
			THost:   batch.THost,
			Ms:      ms,
			Te:      te,
			Bpm:     batch.HeartRate,
			Contact: batch.Contact,
		})
	}
	return events
}

// handleStreamFault reacts to a mid-stream continuous failure: the
// subscription is dead, active state diverges until the next reconciliation.
func (o *Orchestrator) handleStreamFault(deviceID string, kind capability.SignalKind, err error) {
	err = capability.NormalizeVendorError(err, nil)
	o.log.Warn().Err(err).Str("device", deviceID).Str("kind", string(kind)).Msg("stream fault")

	o.mu.Lock()
	delete(o.subs, streamKey{deviceID, kind})
	o.mu.Unlock()

	wasActive := o.sensors.Active(deviceID).Has(kind)
	o.sensors.MarkInactive(deviceID, kind)
	if wasActive && o.metrics != nil {
		o.metrics.ActiveStreams.Dec()
	}
	o.publishFault(deviceID, kind, err, "stream delivery failed")
}

// handleBeatFault reacts to a shared beat subscription failure, deactivating
// every dependent kind.
func (o *Orchestrator) handleBeatFault(deviceID string, err error) {
	err = capability.NormalizeVendorError(err, nil)
	o.log.Warn().Err(err).Str("device", deviceID).Msg("beat stream fault")

	o.mu.Lock()
	delete(o.beatSubs, deviceID)
	o.mu.Unlock()

	active := o.sensors.Active(deviceID)
	for _, kind := range active.Sorted() {
		if !capability.IsBeatKind(kind) {
			continue
		}
		o.sensors.MarkInactive(deviceID, kind)
		o.sensors.ClearAlignerReset(deviceID, kind)
		if o.metrics != nil {
			o.metrics.ActiveStreams.Dec()
		}
		o.publishFault(deviceID, kind, err, "beat delivery failed")
	}
}

// send hands one packet to the transport. Transport errors are best-effort:
// counted, logged downstream, never retried.
func (o *Orchestrator) send(deviceID string, kind capability.SignalKind, payload []byte) {
	if o.sender == nil {
		return
	}
	if err := o.sender.Send(payload); err != nil {
		return
	}
	if o.metrics != nil {
		o.metrics.PacketsSent.WithLabelValues(deviceID, string(kind)).Inc()
	}
}

func (o *Orchestrator) publish(deviceID, eventType string, data map[string]interface{}) {
	if o.hub == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["ts"] = time.Now().UTC().Format(time.RFC3339)
	if err := o.hub.PublishDevice(deviceID, telemetry.Event{Type: eventType, Data: data}); err != nil {
		o.log.Debug().Err(err).Str("device", deviceID).Msg("failed to publish monitoring event")
	}
}

func (o *Orchestrator) publishFault(deviceID string, kind capability.SignalKind, err error, message string) {
	o.publish(deviceID, "fault", map[string]interface{}{
		"kind":    string(kind),
		"code":    err.Error(),
		"message": message,
	})
}
