package processor

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/pending"
	"github.com/ict/ebb/pkg/workunit"
)

// Params are the dispatch tunables a processor runs with, resolved by
// the owning scheduler before the processor comes online.
type Params struct {
	MaxRestart int           // inline drain passes before handing off
	Budget     time.Duration // inline drain latency budget
	WaitPolicy interfaces.WaitPolicy

	WorkerNice int // niceness for the worker thread, 0 leaves it alone
	WorkerCPU  int // cpu the worker thread is pinned to, -1 leaves it alone
}

// Processor is one execution context's deferred-work state: the
// pending set, the two nesting counters gating inline dispatch, and a
// background worker that drains whatever inline dispatch hands off.
//
// Raise and Schedule are safe from any goroutine. Disable, Enable,
// EnterIRQ and ExitIRQ are brackets and belong to the goroutine
// currently executing on this context; deferred work never runs inside
// one of its own open brackets.
type Processor struct {
	Id string

	handlers *[interfaces.NumClass]interfaces.Handler
	prm      Params

	pnd *pending.Set

	bhCount  atomic.Int32 // deferral-disabled section depth
	irqCount atomic.Int32 // interrupt context depth
	draining atomic.Bool  // single-drainer claim

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}

	stats Stats
}

var _ interfaces.IRQSink = &Processor{}

// New creates a processor bound to the scheduler's handler table. It
// does not come online until Start succeeds.
func New(id string, handlers *[interfaces.NumClass]interfaces.Handler, prm Params) *Processor {
	return &Processor{
		Id:       id,
		handlers: handlers,
		prm:      prm,
		pnd:      pending.New(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start brings the background worker online. The worker reports the
// outcome of its thread setup before the first wake, so a failure here
// is recoverable and leaves nothing running.
func (p *Processor) Start() error {
	logger := logrus.WithField("ProcId", p.Id)
	logger.Debug("Proc: start bringing worker online")

	initCh := make(chan error, 1)
	go p.workerLoop(initCh)
	if err := <-initCh; err != nil {
		<-p.exited
		return errors.Wrap(err, "Proc: worker failed to come online")
	}

	logger.Debug("Proc: finish bringing worker online")
	return nil
}

// Stop terminates the background worker and waits for it to exit.
// Pending work is not drained; the caller asserts emptiness.
func (p *Processor) Stop() {
	close(p.done)
	<-p.exited
}

// WorkerCPU returns the cpu the worker thread is pinned to, -1 when
// unpinned.
func (p *Processor) WorkerCPU() int {
	return p.prm.WorkerCPU
}

// Drained reports whether nothing is pending on this processor.
func (p *Processor) Drained() bool {
	hi, normal := p.pnd.UnitBacklog()
	return !p.pnd.Any() && hi == 0 && normal == 0
}

func (p *Processor) inIRQ() bool {
	return p.irqCount.Load() > 0
}

func (p *Processor) bhDisabled() bool {
	return p.bhCount.Load() > 0
}

func (p *Processor) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Disable opens a deferral-disabled section. Sections nest.
func (p *Processor) Disable() {
	p.bhCount.Add(1)
}

// Enable closes the innermost deferral-disabled section. Closing the
// outermost one drains pending work inline, unless the caller is still
// in interrupt context, where draining waits for ExitIRQ.
func (p *Processor) Enable() {
	n := p.bhCount.Add(-1)
	if n < 0 {
		logrus.WithField("ProcId", p.Id).Fatal("Proc: enable without a matching disable")
	}
	if n == 0 && !p.inIRQ() && p.pnd.Any() {
		p.drain(true)
	}
}

// EnterIRQ marks the start of interrupt-context execution.
func (p *Processor) EnterIRQ() {
	p.irqCount.Add(1)
}

// ExitIRQ ends interrupt-context execution. Leaving the outermost
// level drains pending work inline when deferral is enabled.
func (p *Processor) ExitIRQ() {
	n := p.irqCount.Add(-1)
	if n < 0 {
		logrus.WithField("ProcId", p.Id).Fatal("Proc: irq exit without a matching enter")
	}
	if n == 0 && !p.bhDisabled() && p.pnd.Any() {
		p.drain(true)
	}
}

// Raise marks a class pending here. Callable from any goroutine and
// from interrupt context. When this context cannot drain right now
// (interrupt, disabled section, or a drain already in flight) the bit
// just stays set; the bracket exit or the running drain picks it up.
// Otherwise the background worker is kicked.
func (p *Processor) Raise(c interfaces.Class) {
	if !c.Valid() {
		logrus.WithFields(logrus.Fields{"ProcId": p.Id, "Class": uint8(c)}).Fatal("Proc: raise of an undeclared class")
	}
	if p.pnd.Raise(c) {
		p.stats.Raises.Add(1)
	}
	// The bit is set before these loads, and the drain releases its
	// claim before re-checking the mask, so one side always sees the
	// other: no raise is left with nobody responsible for it.
	if p.inIRQ() || p.bhDisabled() || p.draining.Load() {
		return
	}
	p.kick()
}

// Schedule queues a work unit on this processor's normal queue.
// Scheduling an already pending unit coalesces; scheduling a running
// one buys exactly one more run.
func (p *Processor) Schedule(u *workunit.WorkUnit) {
	p.schedule(u, false)
}

// ScheduleHi queues a work unit on the high-priority queue, drained
// ahead of every other class.
func (p *Processor) ScheduleHi(u *workunit.WorkUnit) {
	p.schedule(u, true)
}

func (p *Processor) schedule(u *workunit.WorkUnit, hi bool) {
	if !u.MarkScheduled() {
		return
	}
	p.pnd.PushUnit(u, hi)
	if hi {
		p.Raise(interfaces.HI)
	} else {
		p.Raise(interfaces.UNIT)
	}
}

// WaitUnit spins until the unit's current run, if any, has finished.
// The disable-enable policy folds a local drain attempt into every
// observation so the wait cannot live-lock against work stranded on
// the waiting context.
func (p *Processor) WaitUnit(u *workunit.WorkUnit) {
	for u.Running() {
		if p.prm.WaitPolicy == interfaces.WAIT_DISABLE_ENABLE {
			p.Disable()
			p.Enable()
		}
		runtime.Gosched()
	}
}

// CancelSync takes a unit out of service: it unschedules a queued run
// and waits out a running one, returning only when the unit is idle
// and its handler executes nowhere. Not for interrupt context, and a
// handler must never cancel its own unit.
func (p *Processor) CancelSync(u *workunit.WorkUnit) {
	if p.inIRQ() {
		logrus.WithField("ProcId", p.Id).Warn("Proc: cancel-sync from interrupt context may wait on another processor")
	}
	for {
		switch u.State() {
		case workunit.IDLE:
			return
		case workunit.SCHEDULED:
			if u.Unschedule() {
				return
			}
		default:
			p.WaitUnit(u)
		}
	}
}
