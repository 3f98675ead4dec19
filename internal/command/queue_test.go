package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

type recordedOp struct {
	op      string
	device  string
	kind    string
	outcome string
}

type mockAudit struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (m *mockAudit) LogOperation(_ context.Context, op, deviceID, kind, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, recordedOp{op: op, device: deviceID, kind: kind, outcome: outcome})
}

func (m *mockAudit) recorded() []recordedOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedOp, len(m.ops))
	copy(out, m.ops)
	return out
}

// blockingOp returns an operation that parks until release is closed, and a
// channel closed once its executor has been entered.
func blockingOp(opType OpType, kind capability.SignalKind, release <-chan struct{}) (Operation, <-chan struct{}) {
	entered := make(chan struct{})
	return Operation{
		Type: opType,
		Kind: kind,
		Run: func(_ context.Context, complete func(error)) {
			close(entered)
			<-release
			complete(nil)
		},
	}, entered
}

// instantOp returns an operation completing immediately with err, and a
// channel closed when it has run.
func instantOp(opType OpType, kind capability.SignalKind, err error) (Operation, <-chan struct{}) {
	ran := make(chan struct{})
	return Operation{
		Type: opType,
		Kind: kind,
		Run: func(_ context.Context, complete func(error)) {
			close(ran)
			complete(err)
		},
	}, ran
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func assertNotClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_SerializesOperations(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	first, firstEntered := blockingOp(OpStart, capability.KindECG, release)
	second, secondEntered := instantOp(OpStart, capability.KindPPG, nil)

	q.Enqueue("dev-1", nil, []Operation{first})
	waitClosed(t, firstEntered, "first operation never started")

	q.Enqueue("dev-1", nil, []Operation{second})
	assertNotClosed(t, secondEntered, "second operation ran while first was executing")
	assert.True(t, q.InFlight("dev-1"))

	close(release)
	waitClosed(t, secondEntered, "second operation never ran after first completed")
}

func TestQueue_DevicesIndependent(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	defer close(release)
	blocker, blockerEntered := blockingOp(OpStart, capability.KindECG, release)
	other, otherRan := instantOp(OpStart, capability.KindECG, nil)

	q.Enqueue("dev-1", nil, []Operation{blocker})
	waitClosed(t, blockerEntered, "blocker never started")

	q.Enqueue("dev-2", nil, []Operation{other})
	waitClosed(t, otherRan, "operation on an independent device was blocked")
}

func TestQueue_DeduplicatesPending(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	blocker, blockerEntered := blockingOp(OpStart, capability.KindECG, release)
	q.Enqueue("dev-1", nil, []Operation{blocker})
	waitClosed(t, blockerEntered, "blocker never started")

	var runs int32
	var mu sync.Mutex
	dup := Operation{
		Type: OpStart,
		Kind: capability.KindPPG,
		Run: func(_ context.Context, complete func(error)) {
			mu.Lock()
			runs++
			mu.Unlock()
			complete(nil)
		},
	}
	q.Enqueue("dev-1", nil, []Operation{dup})
	q.Enqueue("dev-1", nil, []Operation{dup})
	q.Enqueue("dev-1", nil, []Operation{dup})

	require.Len(t, q.Pending("dev-1"), 1)

	close(release)
	assert.Eventually(t, func() bool {
		return !q.InFlight("dev-1") && len(q.Pending("dev-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), runs)
}

func TestQueue_StopAnnihilatesPendingStart(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	blocker, blockerEntered := blockingOp(OpStart, capability.KindECG, release)
	q.Enqueue("dev-1", nil, []Operation{blocker})
	waitClosed(t, blockerEntered, "blocker never started")

	start, startRan := instantOp(OpStart, capability.KindPPG, nil)
	q.Enqueue("dev-1", nil, []Operation{start})
	require.Len(t, q.Pending("dev-1"), 1)

	stop, stopRan := instantOp(OpStop, capability.KindPPG, nil)
	q.Enqueue("dev-1", []Operation{stop}, nil)

	// The contradictory pair cancels out entirely.
	assert.Empty(t, q.Pending("dev-1"))

	close(release)
	assert.Eventually(t, func() bool { return !q.InFlight("dev-1") }, 2*time.Second, 10*time.Millisecond)
	assertNotClosed(t, startRan, "annihilated start still ran")
	assertNotClosed(t, stopRan, "annihilating stop still ran")
}

func TestQueue_PendingOrderDeterministic(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	defer close(release)
	blocker, blockerEntered := blockingOp(OpStop, capability.KindACC, release)
	q.Enqueue("dev-1", []Operation{blocker}, nil)
	waitClosed(t, blockerEntered, "blocker never started")

	startPPG, _ := instantOp(OpStart, capability.KindPPG, nil)
	startECG, _ := instantOp(OpStart, capability.KindECG, nil)
	stopRR, _ := instantOp(OpStop, capability.KindRR, nil)
	stopHR, _ := instantOp(OpStop, capability.KindHR, nil)

	// Enqueued in scrambled order across two calls.
	q.Enqueue("dev-1", nil, []Operation{startPPG})
	q.Enqueue("dev-1", []Operation{stopRR, stopHR}, []Operation{startECG})

	pending := q.Pending("dev-1")
	require.Len(t, pending, 4)
	assert.Equal(t, OpStop, pending[0].Type)
	assert.Equal(t, capability.KindHR, pending[0].Kind)
	assert.Equal(t, OpStop, pending[1].Type)
	assert.Equal(t, capability.KindRR, pending[1].Kind)
	assert.Equal(t, OpStart, pending[2].Type)
	assert.Equal(t, capability.KindECG, pending[2].Kind)
	assert.Equal(t, OpStart, pending[3].Type)
	assert.Equal(t, capability.KindPPG, pending[3].Kind)
}

func TestQueue_AbsorbsAlreadyInState(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())
	audit := &mockAudit{}
	q.SetAuditLogger(audit)

	done := make(chan error, 1)
	vendorErr := errors.New("vendor: STREAM_ALREADY_STARTED")
	op := Operation{
		Type: OpStart,
		Kind: capability.KindECG,
		Run: func(_ context.Context, complete func(error)) {
			complete(vendorErr)
		},
		OnDone: func(err error) { done <- err },
	}
	q.Enqueue("dev-1", nil, []Operation{op})

	select {
	case err := <-done:
		assert.NoError(t, err, "idempotent vendor error must be absorbed")
	case <-time.After(2 * time.Second):
		t.Fatal("operation never completed")
	}

	assert.Eventually(t, func() bool {
		ops := audit.recorded()
		return len(ops) == 1 && ops[0].outcome == "ABSORBED"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_FailureAdvancesQueue(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())
	audit := &mockAudit{}
	q.SetAuditLogger(audit)

	done := make(chan error, 1)
	failing := Operation{
		Type: OpStart,
		Kind: capability.KindECG,
		Run: func(_ context.Context, complete func(error)) {
			complete(errors.New("GATT write rejected"))
		},
		OnDone: func(err error) { done <- err },
	}
	next, nextRan := instantOp(OpStart, capability.KindPPG, nil)

	q.Enqueue("dev-1", nil, []Operation{failing, next})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("failing operation never completed")
	}
	waitClosed(t, nextRan, "failure halted the queue")

	assert.Eventually(t, func() bool {
		for _, rec := range audit.recorded() {
			if rec.outcome == "ERROR" && rec.kind == string(capability.KindECG) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_CompleteCalledTwiceCountsOnce(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	var mu sync.Mutex
	var completions int
	op := Operation{
		Type: OpStart,
		Kind: capability.KindECG,
		Run: func(_ context.Context, complete func(error)) {
			complete(nil)
			complete(errors.New("late duplicate"))
		},
		OnDone: func(error) {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	}
	q.Enqueue("dev-1", nil, []Operation{op})

	assert.Eventually(t, func() bool { return !q.InFlight("dev-1") }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completions)
}

func TestQueue_ResetDropsPendingOnly(t *testing.T) {
	q := NewQueue(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	blocker, blockerEntered := blockingOp(OpStart, capability.KindECG, release)
	pendingOp, pendingRan := instantOp(OpStart, capability.KindPPG, nil)

	q.Enqueue("dev-1", nil, []Operation{blocker, pendingOp})
	waitClosed(t, blockerEntered, "blocker never started")
	require.Len(t, q.Pending("dev-1"), 1)

	q.Reset("dev-1")
	assert.Empty(t, q.Pending("dev-1"))
	assert.True(t, q.InFlight("dev-1"), "executing operation must run to completion")

	close(release)
	assert.Eventually(t, func() bool { return !q.InFlight("dev-1") }, 2*time.Second, 10*time.Millisecond)
	assertNotClosed(t, pendingRan, "reset pending operation still ran")
}
