package pending

import (
	"sync"
	"testing"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/workunit"
)

func TestRaiseSetsEachBitOnce(t *testing.T) {
	s := New()

	if !s.Raise(interfaces.TIMER) {
		t.Fatal("first raise should set the bit")
	}
	if s.Raise(interfaces.TIMER) {
		t.Fatal("second raise of the same class should coalesce")
	}
	if !s.Raise(interfaces.NETRX) {
		t.Fatal("raise of a distinct class should set its bit")
	}

	want := interfaces.TIMER.Bit() | interfaces.NETRX.Bit()
	if got := s.Mask(); got != want {
		t.Fatalf("mask = %#x, want %#x", got, want)
	}
}

func TestTakeMaskClaimsEverythingOnce(t *testing.T) {
	s := New()
	s.Raise(interfaces.HI)
	s.Raise(interfaces.BLOCK)

	mask := s.TakeMask()
	if mask != interfaces.HI.Bit()|interfaces.BLOCK.Bit() {
		t.Fatalf("claimed mask = %#x", mask)
	}
	if s.Any() {
		t.Fatal("set should be empty after the claim")
	}

	// A raise landing after the claim stays pending for the next pass.
	s.Raise(interfaces.TIMER)
	if got := s.TakeMask(); got != interfaces.TIMER.Bit() {
		t.Fatalf("second claim = %#x, want %#x", got, interfaces.TIMER.Bit())
	}
}

func TestConcurrentRaisesSetExactlyOneEdge(t *testing.T) {
	s := New()

	const raisers = 16
	var wg sync.WaitGroup
	edges := make(chan struct{}, raisers)
	for i := 0; i < raisers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Raise(interfaces.NETTX) {
				edges <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(edges)

	var n int
	for range edges {
		n++
	}
	if n != 1 {
		t.Fatalf("%d raisers saw the edge, want exactly 1", n)
	}
}

func TestUnitQueuesKeepOrderAndSplitByClass(t *testing.T) {
	s := New()

	var order []int
	mk := func(i int) *workunit.WorkUnit {
		return workunit.New(func(data any) { order = append(order, data.(int)) }, i)
	}

	s.PushUnit(mk(1), false)
	s.PushUnit(mk(2), true)
	s.PushUnit(mk(3), false)

	hi, normal := s.UnitBacklog()
	if hi != 1 || normal != 2 {
		t.Fatalf("backlog = (%d, %d), want (1, 2)", hi, normal)
	}

	for _, u := range s.TakeUnits(true) {
		u.Run()
	}
	for _, u := range s.TakeUnits(false) {
		u.Run()
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 3 {
		t.Fatalf("run order = %v, want [2 1 3]", order)
	}

	if hi, normal := s.UnitBacklog(); hi != 0 || normal != 0 {
		t.Fatalf("backlog after take = (%d, %d), want empty", hi, normal)
	}
}
