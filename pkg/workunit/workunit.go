package workunit

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State is a work unit's run state.
type State uint32

const (
	IDLE State = iota
	SCHEDULED
	RUNNING
	RUN_PENDING // running now, one more run owed after this one
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "idle"
	case SCHEDULED:
		return "scheduled"
	case RUNNING:
		return "running"
	case RUN_PENDING:
		return "run_pending"
	}
	logrus.WithField("State", uint32(s)).Fatal("not a normal State")
	return ""
}

// WorkUnit represents one ad-hoc deferred task. The owner creates it
// once, may schedule it any number of times, and destroys it only after
// CancelSync reports it neither scheduled nor running. The scheduler
// holds only weak queue references while the unit is pending.
//
// Every transition goes through compare-and-swap; the allowed table is
//
//	IDLE        -> SCHEDULED    MarkScheduled (with enqueue)
//	SCHEDULED   -> RUNNING      Claim, by the dispatching processor
//	SCHEDULED   -> IDLE         Unschedule, by a canceller
//	RUNNING     -> IDLE         Finish, run complete
//	RUNNING     -> RUN_PENDING  MarkScheduled while running (coalesced)
//	RUN_PENDING -> SCHEDULED    Finish, runner owes one more pass
//
// sync/atomic is sequentially consistent, so a waiter that observes the
// unit leaving RUNNING also observes every write the run performed.
type WorkUnit struct {
	state atomic.Uint32

	fn   func(data any)
	data any
}

// New initializes a work unit with its handler and opaque user data.
func New(fn func(data any), data any) *WorkUnit {
	if fn == nil {
		logrus.Fatal("WorkUnit: init without a handler")
	}
	return &WorkUnit{fn: fn, data: data}
}

// State returns the current run state.
func (u *WorkUnit) State() State {
	return State(u.state.Load())
}

func (u *WorkUnit) cas(from, to State) bool {
	return u.state.CompareAndSwap(uint32(from), uint32(to))
}

// MarkScheduled records one schedule request and reports whether the
// caller must enqueue the unit. Requests against an already pending
// unit coalesce: while SCHEDULED or RUN_PENDING nothing changes, and
// while RUNNING the unit is owed exactly one additional run no matter
// how many requests arrive.
func (u *WorkUnit) MarkScheduled() (enqueue bool) {
	if u.fn == nil {
		logrus.Fatal("WorkUnit: schedule of an uninitialized unit")
	}
	for {
		switch s := u.State(); s {
		case IDLE:
			if u.cas(IDLE, SCHEDULED) {
				return true
			}
		case SCHEDULED, RUN_PENDING:
			return false
		case RUNNING:
			if u.cas(RUNNING, RUN_PENDING) {
				return false
			}
		}
	}
}

// Claim takes ownership of a dequeued unit for one run. A false return
// means a canceller snatched the unit after it was queued; the queue
// reference is dead and the dispatcher must drop it without running.
func (u *WorkUnit) Claim() bool {
	return u.cas(SCHEDULED, RUNNING)
}

// Finish ends the claimed run and reports whether the runner owes the
// unit another pass (it was re-scheduled mid-run). On true the runner
// must re-enqueue the unit, which is already back in SCHEDULED.
func (u *WorkUnit) Finish() (again bool) {
	if u.cas(RUNNING, IDLE) {
		return false
	}
	// Only the runner leaves RUNNING or RUN_PENDING, so the sole way
	// the first swap fails is a coalesced re-schedule.
	if u.cas(RUN_PENDING, SCHEDULED) {
		return true
	}
	logrus.WithField("State", u.State().String()).Fatal("WorkUnit: finish from a state the runner cannot hold")
	return false
}

// Unschedule snatches a queued unit back to IDLE so it will not run.
// The reference left in the processor queue becomes a dead letter that
// Claim rejects.
func (u *WorkUnit) Unschedule() bool {
	return u.cas(SCHEDULED, IDLE)
}

// Running reports whether the unit's handler is executing right now on
// some processor. RUN_PENDING counts: the current run has not finished.
func (u *WorkUnit) Running() bool {
	s := u.State()
	return s == RUNNING || s == RUN_PENDING
}

// Run invokes the handler. Callers must hold the claim.
func (u *WorkUnit) Run() {
	u.fn(u.data)
}
