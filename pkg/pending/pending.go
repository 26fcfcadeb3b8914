package pending

import (
	"sync"
	"sync/atomic"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/workunit"
)

// Set is one processor's pending work. The class mask is a word of
// raise bits handled lock free so interrupt-path raises never block.
// The unit queues back the two drain classes and only ever move whole
// batches: a drain pass snapshots the queue and re-queued units land
// on the fresh one behind it.
type Set struct {
	mask atomic.Uint32

	mu     sync.Mutex
	hi     []*workunit.WorkUnit
	normal []*workunit.WorkUnit
}

func New() *Set {
	return &Set{}
}

// Raise marks a class pending and reports whether this raise set the
// bit, so the caller wakes or kicks at most once per edge.
func (s *Set) Raise(c interfaces.Class) (first bool) {
	bit := c.Bit()
	for {
		old := s.mask.Load()
		if old&bit != 0 {
			return false
		}
		if s.mask.CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

// TakeMask atomically claims every pending bit. Raises landing after
// the claim stay pending for the next pass.
func (s *Set) TakeMask() uint32 {
	return s.mask.Swap(0)
}

// Mask returns the pending bits without claiming them.
func (s *Set) Mask() uint32 {
	return s.mask.Load()
}

// Any reports whether any class is pending.
func (s *Set) Any() bool {
	return s.mask.Load() != 0
}

// PushUnit queues a scheduled unit behind the hi or normal drain.
func (s *Set) PushUnit(u *workunit.WorkUnit, hi bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hi {
		s.hi = append(s.hi, u)
	} else {
		s.normal = append(s.normal, u)
	}
}

// TakeUnits snapshots one queue in FIFO order and leaves it empty.
func (s *Set) TakeUnits(hi bool) []*workunit.WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hi {
		batch := s.hi
		s.hi = nil
		return batch
	}
	batch := s.normal
	s.normal = nil
	return batch
}

// UnitBacklog reports the queued unit counts for stats and teardown.
func (s *Set) UnitBacklog() (hi, normal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hi), len(s.normal)
}
