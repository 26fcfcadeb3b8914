package processor

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/interfaces"
)

// drain claims the single-drainer flag and runs dispatch passes until
// the pending set is empty or, when budgeted, the restart limit or the
// latency budget trips and the rest is handed to the worker. The drain
// holds an internal disable reference for its whole extent, so a
// handler raising locally feeds the next pass instead of re-entering
// dispatch.
func (p *Processor) drain(budgeted bool) {
	if !p.draining.CompareAndSwap(false, true) {
		return
	}
	p.bhCount.Add(1)
	if budgeted {
		p.stats.InlineDrains.Add(1)
	} else {
		p.stats.WorkerDrains.Add(1)
	}

	deadline := time.Now().Add(p.prm.Budget)
	restart := 0
loop:
	for {
		mask := p.pnd.TakeMask()
		if mask == 0 {
			break
		}
		p.runPass(mask)

		if !p.pnd.Any() {
			break
		}
		restart++
		if budgeted {
			if restart >= p.prm.MaxRestart || !time.Now().Before(deadline) {
				// Keep the leftover bits and let the worker take over.
				p.stats.Handoffs.Add(1)
				p.kick()
				break
			}
			continue
		}
		select {
		case <-p.done:
			break loop
		default:
			runtime.Gosched()
		}
	}

	p.bhCount.Add(-1)
	p.draining.Store(false)
	// A raise that observed the claim held relies on this recheck.
	if p.pnd.Any() && !p.inIRQ() && !p.bhDisabled() {
		p.kick()
	}
}

// runPass serves every class set in mask once, in declaration order.
func (p *Processor) runPass(mask uint32) {
	for c := interfaces.Class(0); c < interfaces.NumClass; c++ {
		if mask&c.Bit() == 0 {
			continue
		}
		p.stats.Runs[c].Add(1)
		switch c {
		case interfaces.HI:
			p.drainUnits(true)
		case interfaces.UNIT:
			p.drainUnits(false)
		default:
			h := p.handlers[c]
			if h == nil {
				logrus.WithFields(logrus.Fields{"ProcId": p.Id, "Class": c.String()}).Fatal("Proc: dispatch of a class with no handler")
			}
			h()
		}
	}
}

// drainUnits snapshots one unit queue and runs each unit once. A unit
// whose claim fails was cancelled while queued and its dead reference
// is dropped. A unit re-scheduled during its own run goes back on the
// queue with the class bit raised again, so pass accounting sees it.
func (p *Processor) drainUnits(hi bool) {
	for _, u := range p.pnd.TakeUnits(hi) {
		if !u.Claim() {
			p.stats.DeadLetters.Add(1)
			continue
		}
		u.Run()
		if !u.Finish() {
			continue
		}
		p.pnd.PushUnit(u, hi)
		if hi {
			p.pnd.Raise(interfaces.HI)
		} else {
			p.pnd.Raise(interfaces.UNIT)
		}
	}
}
