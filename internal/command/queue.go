// Package command sequences stream start/stop operations against the sensor
// capability layer and reconciles desired signal selections into hardware
// subscriptions. The hardware forbids overlapping state-mutating calls on one
// device and reports a benign "already in requested state" error on races, so
// every device gets a strictly serialized operation queue.
package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/capability"
	"github.com/biosignal-telemetry/btr/internal/metrics"
)

// OpType tags a stream operation.
type OpType int

const (
	OpStop OpType = iota
	OpStart
)

func (t OpType) String() string {
	if t == OpStop {
		return "stop"
	}
	return "start"
}

// Executor performs one hardware state change. It must call complete exactly
// once, possibly from the capability layer's delivery goroutine. An executor
// that never completes stalls its device's queue permanently; no watchdog
// exists.
type Executor func(ctx context.Context, complete func(error))

// Operation is one pending stream state change for a device.
type Operation struct {
	Type OpType
	Kind capability.SignalKind

	// Run drives the hardware. OnDone, if set, receives the normalized
	// outcome after idempotent-error absorption: nil means the device is in
	// the requested state.
	Run    Executor
	OnDone func(error)
}

// AuditLogger records executed operations.
type AuditLogger interface {
	LogOperation(ctx context.Context, op, deviceID, kind, outcome string, latency time.Duration)
}

type queueState struct {
	pending   []Operation
	executing *Operation
}

// Queue serializes stream operations per device. Operations for one device
// execute strictly in queue order; devices are fully independent.
type Queue struct {
	ctx     context.Context
	log     zerolog.Logger
	audit   AuditLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	devices map[string]*queueState
}

// NewQueue creates a queue. ctx bounds all executor invocations.
func NewQueue(ctx context.Context, log zerolog.Logger) *Queue {
	return &Queue{
		ctx:     ctx,
		log:     log.With().Str("component", "opqueue").Logger(),
		devices: make(map[string]*queueState),
	}
}

// SetAuditLogger sets the audit logger.
func (q *Queue) SetAuditLogger(audit AuditLogger) {
	q.audit = audit
}

// SetMetrics sets the metrics sink.
func (q *Queue) SetMetrics(m *metrics.Metrics) {
	q.metrics = m
}

// Enqueue merges stops and starts into the device's pending list and kicks
// processing. Duplicates of an already pending or executing operation are
// suppressed. A stop(K) arriving while a start(K) is still pending removes
// both instead of racing them through hardware. The resulting pending order
// is deterministic: all stops before all starts, each group sorted by kind.
func (q *Queue) Enqueue(deviceID string, stops, starts []Operation) {
	q.mu.Lock()

	state, exists := q.devices[deviceID]
	if !exists {
		state = &queueState{}
		q.devices[deviceID] = state
	}

	for _, op := range stops {
		op.Type = OpStop
		if cancelled := state.annihilate(op.Kind); cancelled {
			q.log.Debug().Str("device", deviceID).Str("kind", string(op.Kind)).
				Msg("stop cancelled a pending start")
			continue
		}
		if state.holds(OpStop, op.Kind) {
			continue
		}
		state.pending = append(state.pending, op)
	}

	for _, op := range starts {
		op.Type = OpStart
		if state.holds(OpStart, op.Kind) {
			continue
		}
		state.pending = append(state.pending, op)
	}

	state.sortPending()
	q.mu.Unlock()

	q.processNext(deviceID)
}

// Reset drops all pending operations for a device. An executing operation
// runs to its own completion; that is the only cancellation model.
func (q *Queue) Reset(deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if state, exists := q.devices[deviceID]; exists {
		state.pending = nil
	}
}

// Pending returns a snapshot of the device's pending operations.
func (q *Queue) Pending(deviceID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, exists := q.devices[deviceID]
	if !exists {
		return nil
	}
	out := make([]Operation, len(state.pending))
	copy(out, state.pending)
	return out
}

// InFlight reports whether an operation is currently executing for a device.
func (q *Queue) InFlight(deviceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, exists := q.devices[deviceID]
	return exists && state.executing != nil
}

// processNext dequeues and runs the head operation if the device is idle.
func (q *Queue) processNext(deviceID string) {
	q.mu.Lock()

	state, exists := q.devices[deviceID]
	if !exists || state.executing != nil || len(state.pending) == 0 {
		q.mu.Unlock()
		return
	}

	op := state.pending[0]
	state.pending = state.pending[1:]
	state.executing = &op
	q.mu.Unlock()

	start := time.Now()
	var once sync.Once
	complete := func(err error) {
		once.Do(func() {
			q.finish(deviceID, op, err, time.Since(start))
		})
	}

	go op.Run(q.ctx, complete)
}

// finish applies the completion contract: normalize the error, absorb the
// idempotent "already in state" class as success, log any genuine failure,
// and advance the queue. Failures never halt the queue; desired and active
// state simply diverge until the next reconciliation.
func (q *Queue) finish(deviceID string, op Operation, err error, latency time.Duration) {
	err = capability.NormalizeVendorError(err, nil)

	outcome := "SUCCESS"
	switch {
	case err == nil:
	case capability.IsAlreadyInState(err):
		q.log.Debug().Str("device", deviceID).Str("kind", string(op.Kind)).
			Stringer("op", op.Type).Msg("absorbed already-in-state error")
		outcome = "ABSORBED"
		err = nil
	default:
		q.log.Warn().Err(err).Str("device", deviceID).Str("kind", string(op.Kind)).
			Stringer("op", op.Type).Msg("stream operation failed")
		outcome = "ERROR"
	}

	if q.audit != nil {
		q.audit.LogOperation(q.ctx, op.Type.String(), deviceID, string(op.Kind), outcome, latency)
	}
	if q.metrics != nil {
		q.metrics.OperationsRun.WithLabelValues(op.Type.String(), outcome).Inc()
	}

	if op.OnDone != nil {
		op.OnDone(err)
	}

	q.mu.Lock()
	if state, exists := q.devices[deviceID]; exists {
		state.executing = nil
	}
	q.mu.Unlock()

	q.processNext(deviceID)
}

// holds reports whether an equivalent operation is already pending or
// executing. Caller holds q.mu.
func (s *queueState) holds(opType OpType, kind capability.SignalKind) bool {
	if s.executing != nil && s.executing.Type == opType && s.executing.Kind == kind {
		return true
	}
	for _, op := range s.pending {
		if op.Type == opType && op.Kind == kind {
			return true
		}
	}
	return false
}

// annihilate removes a pending (not executing) start for kind, reporting
// whether one was removed. Caller holds q.mu.
func (s *queueState) annihilate(kind capability.SignalKind) bool {
	for i, op := range s.pending {
		if op.Type == OpStart && op.Kind == kind {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// sortPending restores the deterministic order: stops before starts, each
// group by kind. Caller holds q.mu.
func (s *queueState) sortPending() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].Type != s.pending[j].Type {
			return s.pending[i].Type == OpStop
		}
		return s.pending[i].Kind < s.pending[j].Kind
	})
}
