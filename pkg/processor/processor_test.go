package processor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/workunit"
)

func testParams() Params {
	return Params{
		MaxRestart: 10,
		Budget:     time.Second,
		WaitPolicy: interfaces.WAIT_YIELD,
		WorkerCPU:  -1,
	}
}

func startProc(t *testing.T, handlers *[interfaces.NumClass]interfaces.Handler, prm Params) *Processor {
	t.Helper()
	p := New("cpu0", handlers, prm)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func TestRaiseWakesWorker(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	var handlers [interfaces.NumClass]interfaces.Handler
	handlers[interfaces.TIMER] = func() { runs.Add(1) }

	p := startProc(t, &handlers, testParams())
	p.Raise(interfaces.TIMER)

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, time.Millisecond)
	require.True(t, p.Drained())
	require.GreaterOrEqual(t, p.Snapshot().Wakeups, uint64(1))
}

func TestDisableHoldsWorkUntilOutermostEnable(t *testing.T) {
	t.Parallel()

	var timerRuns, netRuns atomic.Int64
	var handlers [interfaces.NumClass]interfaces.Handler
	handlers[interfaces.TIMER] = func() { timerRuns.Add(1) }
	handlers[interfaces.NETRX] = func() { netRuns.Add(1) }

	p := startProc(t, &handlers, testParams())

	p.Disable()
	p.Disable()
	p.Raise(interfaces.TIMER)
	p.Raise(interfaces.NETRX)
	p.Raise(interfaces.TIMER) // coalesces into the already set bit

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, timerRuns.Load(), "work ran inside a disabled section")
	require.Zero(t, netRuns.Load())

	p.Enable()
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, timerRuns.Load(), "work ran before the outermost enable")

	// The outermost enable drains inline before returning.
	p.Enable()
	require.EqualValues(t, 1, timerRuns.Load())
	require.EqualValues(t, 1, netRuns.Load())
	require.True(t, p.Drained())
}

func TestIRQExitDrainsDeferredRaises(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	var handlers [interfaces.NumClass]interfaces.Handler
	handlers[interfaces.BLOCK] = func() { runs.Add(1) }

	p := startProc(t, &handlers, testParams())

	p.EnterIRQ()
	p.EnterIRQ()
	p.Raise(interfaces.BLOCK)
	p.ExitIRQ()
	require.Zero(t, runs.Load(), "drained while still in interrupt context")

	p.ExitIRQ()
	require.EqualValues(t, 1, runs.Load())

	// An enable inside interrupt context must defer to the irq exit.
	p.EnterIRQ()
	p.Disable()
	p.Raise(interfaces.BLOCK)
	p.Enable()
	require.EqualValues(t, 1, runs.Load(), "enable drained inside interrupt context")
	p.ExitIRQ()
	require.EqualValues(t, 2, runs.Load())
}

func TestRetryLimitStopsInlinePasses(t *testing.T) {
	t.Parallel()

	prm := testParams()
	prm.MaxRestart = 3

	// No worker behind this one, so the counters after Enable are
	// exact: the inline drain must stop after MaxRestart passes of a
	// handler that re-raises itself every run.
	var runs atomic.Int64
	var handlers [interfaces.NumClass]interfaces.Handler
	var p *Processor
	handlers[interfaces.NETTX] = func() {
		runs.Add(1)
		p.Raise(interfaces.NETTX)
	}
	p = New("cpu0", &handlers, prm)

	p.Disable()
	p.Raise(interfaces.NETTX)
	p.Enable()

	s := p.Snapshot()
	require.EqualValues(t, prm.MaxRestart, runs.Load())
	require.EqualValues(t, 1, s.InlineDrains)
	require.EqualValues(t, 1, s.Handoffs)
	require.False(t, p.Drained(), "the handed off bit must stay pending")
}

func TestHandedOffTailFinishesOnWorker(t *testing.T) {
	t.Parallel()

	prm := testParams()
	prm.MaxRestart = 3

	var runs atomic.Int64
	var handlers [interfaces.NumClass]interfaces.Handler
	var p *Processor
	handlers[interfaces.NETTX] = func() {
		if runs.Add(1) < 10 {
			p.Raise(interfaces.NETTX)
		}
	}
	p = startProc(t, &handlers, prm)

	p.Disable()
	p.Raise(interfaces.NETTX)
	p.Enable()

	require.Eventually(t, func() bool { return runs.Load() == 10 },
		2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return p.Drained() },
		2*time.Second, time.Millisecond)
	s := p.Snapshot()
	require.EqualValues(t, 1, s.Handoffs)
	require.GreaterOrEqual(t, s.WorkerDrains, uint64(1))
}

func TestScheduleWhileRunningBuysExactlyOneRun(t *testing.T) {
	t.Parallel()

	var handlers [interfaces.NumClass]interfaces.Handler
	p := startProc(t, &handlers, testParams())

	var runs atomic.Int64
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	u := workunit.New(func(any) {
		runs.Add(1)
		started <- struct{}{}
		<-gate
	}, nil)

	p.Schedule(u)
	<-started

	for i := 0; i < 5; i++ {
		p.Schedule(u)
	}
	require.EqualValues(t, workunit.RUN_PENDING, u.State())
	close(gate)
	<-started // the single owed re-run

	require.Eventually(t, func() bool { return u.State() == workunit.IDLE },
		2*time.Second, time.Millisecond)
	require.EqualValues(t, 2, runs.Load())
}

func TestCancelSyncWaitsOutTheRun(t *testing.T) {
	t.Parallel()

	var handlers [interfaces.NumClass]interfaces.Handler
	p := startProc(t, &handlers, testParams())

	var executing atomic.Bool
	started := make(chan struct{})
	u := workunit.New(func(any) {
		executing.Store(true)
		close(started)
		time.Sleep(20 * time.Millisecond)
		executing.Store(false)
	}, nil)

	p.Schedule(u)
	<-started
	p.CancelSync(u)
	require.False(t, executing.Load(), "cancel-sync returned while the handler was executing")
	require.EqualValues(t, workunit.IDLE, u.State())
}

func TestCancelSyncSnatchesQueuedUnit(t *testing.T) {
	t.Parallel()

	var handlers [interfaces.NumClass]interfaces.Handler
	p := startProc(t, &handlers, testParams())

	var runs atomic.Int64
	u := workunit.New(func(any) { runs.Add(1) }, nil)

	p.Disable()
	p.Schedule(u)
	p.CancelSync(u)
	require.EqualValues(t, workunit.IDLE, u.State())

	// The queue still holds the dead reference; the drain must drop
	// it without running.
	p.Enable()
	require.Zero(t, runs.Load())
	require.True(t, p.Drained())
	require.EqualValues(t, 1, p.Snapshot().DeadLetters)
}

func TestWaitUnitDisableEnableDrainsTheWaiter(t *testing.T) {
	t.Parallel()

	var timerRuns atomic.Int64
	var handlersA, handlersB [interfaces.NumClass]interfaces.Handler
	handlersA[interfaces.TIMER] = func() { timerRuns.Add(1) }

	// a never starts its worker, so a raise strands there until some
	// goroutine executing on a drains it itself. That is exactly what
	// the disable-enable wait policy must fold into the spin.
	prm := testParams()
	prm.WaitPolicy = interfaces.WAIT_DISABLE_ENABLE
	a := New("cpu0", &handlersA, prm)

	b := startProc(t, &handlersB, testParams())

	started := make(chan struct{})
	u := workunit.New(func(any) {
		close(started)
		time.Sleep(50 * time.Millisecond)
	}, nil)
	b.Schedule(u)
	<-started

	a.Raise(interfaces.TIMER)
	require.Zero(t, timerRuns.Load())

	a.WaitUnit(u)
	require.False(t, u.Running())
	require.EqualValues(t, 1, timerRuns.Load(), "waiter's own pending work starved during the wait")
	require.True(t, a.Drained())
}

func TestWaitUnitYieldLeavesStrandedWorkAlone(t *testing.T) {
	t.Parallel()

	var timerRuns atomic.Int64
	var handlersA, handlersB [interfaces.NumClass]interfaces.Handler
	handlersA[interfaces.TIMER] = func() { timerRuns.Add(1) }

	a := New("cpu0", &handlersA, testParams())
	b := startProc(t, &handlersB, testParams())

	started := make(chan struct{})
	u := workunit.New(func(any) {
		close(started)
		time.Sleep(50 * time.Millisecond)
	}, nil)
	b.Schedule(u)
	<-started

	a.Raise(interfaces.TIMER)
	a.WaitUnit(u)
	require.False(t, u.Running())
	require.Zero(t, timerRuns.Load(), "plain yield policy must not drain for the waiter")
}

func TestStartFailsWhenPinningIsImpossible(t *testing.T) {
	t.Parallel()

	prm := testParams()
	prm.WorkerCPU = 1023 // essentially never a real cpu

	var handlers [interfaces.NumClass]interfaces.Handler
	p := New("cpu0", &handlers, prm)
	err := p.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to pin worker thread")
}
