package processor

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// CPUAllocator hands out distinct CPUs for pinned worker threads and
// takes them back at teardown. Claims are lock free so concurrent
// processor bring-up never serializes on it.
type CPUAllocator struct {
	cpus  []int
	taken []int32
	ord   []int // claim order, spreading workers over physical cores first
}

// NewCPUAllocator builds an allocator over the given CPU ids.
func NewCPUAllocator(cpus []int) *CPUAllocator {
	a := &CPUAllocator{
		cpus:  append([]int(nil), cpus...),
		taken: make([]int32, len(cpus)),
		ord:   make([]int, 0, len(cpus)),
	}
	// Assume the usual layout where adjacent ids are hyperthread
	// siblings: claim the even slots before doubling up on the odd
	// ones, so early workers get whole cores.
	for i := 0; i < len(cpus); i += 2 {
		a.ord = append(a.ord, i)
	}
	for i := 1; i < len(cpus); i += 2 {
		a.ord = append(a.ord, i)
	}
	return a
}

// Claim takes one free CPU. Exhaustion is a recoverable error: the
// caller simply cannot bring another pinned worker online.
func (a *CPUAllocator) Claim() (int, error) {
	for _, i := range a.ord {
		if atomic.LoadInt32(&a.taken[i]) == 1 {
			continue
		}
		if atomic.CompareAndSwapInt32(&a.taken[i], 0, 1) {
			return a.cpus[i], nil
		}
	}
	return -1, errors.New("no free cpu for a pinned worker")
}

// Release returns a claimed CPU. Unknown ids are ignored.
func (a *CPUAllocator) Release(cpu int) {
	for i, c := range a.cpus {
		if c == cpu {
			atomic.StoreInt32(&a.taken[i], 0)
			return
		}
	}
}
