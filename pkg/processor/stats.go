package processor

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/interfaces"
)

// Stats are a processor's dispatch counters, written lock free on the
// dispatch path and read racily by the heartbeat loop.
type Stats struct {
	Raises       atomic.Uint64
	Runs         [interfaces.NumClass]atomic.Uint64
	InlineDrains atomic.Uint64
	WorkerDrains atomic.Uint64
	Wakeups      atomic.Uint64
	Handoffs     atomic.Uint64
	DeadLetters  atomic.Uint64
}

// StatsSnapshot is a plain copy of the counters at one instant.
type StatsSnapshot struct {
	Raises       uint64
	Runs         [interfaces.NumClass]uint64
	InlineDrains uint64
	WorkerDrains uint64
	Wakeups      uint64
	Handoffs     uint64
	DeadLetters  uint64
}

// Snapshot copies the counters.
func (p *Processor) Snapshot() StatsSnapshot {
	var s StatsSnapshot
	s.Raises = p.stats.Raises.Load()
	for c := range s.Runs {
		s.Runs[c] = p.stats.Runs[c].Load()
	}
	s.InlineDrains = p.stats.InlineDrains.Load()
	s.WorkerDrains = p.stats.WorkerDrains.Load()
	s.Wakeups = p.stats.Wakeups.Load()
	s.Handoffs = p.stats.Handoffs.Load()
	s.DeadLetters = p.stats.DeadLetters.Load()
	return s
}

// StatsFields renders a heartbeat snapshot as log fields.
func (p *Processor) StatsFields() logrus.Fields {
	s := p.Snapshot()
	hi, normal := p.pnd.UnitBacklog()
	fields := logrus.Fields{
		"ProcId":        p.Id,
		"Pending":       p.pnd.Mask(),
		"BacklogHi":     hi,
		"BacklogNormal": normal,
		"Raises":        s.Raises,
		"InlineDrains":  s.InlineDrains,
		"WorkerDrains":  s.WorkerDrains,
		"Wakeups":       s.Wakeups,
		"Handoffs":      s.Handoffs,
		"DeadLetters":   s.DeadLetters,
	}
	for c := interfaces.Class(0); c < interfaces.NumClass; c++ {
		if n := s.Runs[c]; n > 0 {
			fields["Runs."+c.String()] = n
		}
	}
	return fields
}
