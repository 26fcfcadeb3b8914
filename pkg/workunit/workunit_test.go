package workunit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleClaimFinish(t *testing.T) {
	var ran atomic.Int32
	u := New(func(data any) {
		ran.Add(1)
		if data.(string) != "payload" {
			t.Errorf("data = %v, want payload", data)
		}
	}, "payload")

	if u.State() != IDLE {
		t.Fatalf("new unit state = %v, want idle", u.State())
	}
	if !u.MarkScheduled() {
		t.Fatal("first schedule should ask for an enqueue")
	}
	if u.State() != SCHEDULED {
		t.Fatalf("state = %v, want scheduled", u.State())
	}
	if u.MarkScheduled() {
		t.Fatal("second schedule should coalesce, not enqueue")
	}

	if !u.Claim() {
		t.Fatal("claim of a scheduled unit should win")
	}
	if !u.Running() {
		t.Fatal("claimed unit should report running")
	}
	u.Run()
	if again := u.Finish(); again {
		t.Fatal("finish without a re-schedule should not owe a pass")
	}
	if u.State() != IDLE {
		t.Fatalf("state after finish = %v, want idle", u.State())
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestRescheduleWhileRunningCoalesces(t *testing.T) {
	u := New(func(any) {}, nil)

	u.MarkScheduled()
	u.Claim()

	// Any number of requests during the run owe exactly one more pass.
	for i := 0; i < 5; i++ {
		if u.MarkScheduled() {
			t.Fatal("schedule during a run must not enqueue")
		}
	}
	if u.State() != RUN_PENDING {
		t.Fatalf("state = %v, want run_pending", u.State())
	}

	if again := u.Finish(); !again {
		t.Fatal("finish should owe the coalesced pass")
	}
	if u.State() != SCHEDULED {
		t.Fatalf("state after owed finish = %v, want scheduled", u.State())
	}

	u.Claim()
	if again := u.Finish(); again {
		t.Fatal("second finish should owe nothing")
	}
	if u.State() != IDLE {
		t.Fatalf("final state = %v, want idle", u.State())
	}
}

func TestUnscheduleSnatch(t *testing.T) {
	u := New(func(any) {}, nil)

	if u.Unschedule() {
		t.Fatal("unschedule of an idle unit should fail")
	}

	u.MarkScheduled()
	if !u.Unschedule() {
		t.Fatal("unschedule of a scheduled unit should win")
	}
	if u.State() != IDLE {
		t.Fatalf("state = %v, want idle", u.State())
	}
	// The queue still holds a dead reference; the dispatcher's claim
	// must reject it.
	if u.Claim() {
		t.Fatal("claim of a snatched unit should fail")
	}

	u.MarkScheduled()
	u.Claim()
	if u.Unschedule() {
		t.Fatal("unschedule must not touch a running unit")
	}
	u.Finish()
}

func TestScheduleStorm(t *testing.T) {
	const producers = 8
	const requests = 2000

	var runs, enqueues atomic.Int64
	u := New(func(any) { runs.Add(1) }, nil)

	queue := make(chan *WorkUnit, producers*requests)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requests; j++ {
				if u.MarkScheduled() {
					enqueues.Add(1)
					queue <- u
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for unit := range queue {
			if !unit.Claim() {
				continue
			}
			unit.Run()
			if unit.Finish() {
				queue <- unit
			}
		}
	}()

	wg.Wait()
	// Drain whatever the producers queued, then let the runner exit.
	// IDLE with no producers left is stable, so closing is safe.
	for len(queue) > 0 || u.State() != IDLE {
		time.Sleep(time.Millisecond)
	}
	close(queue)
	<-done

	if runs.Load() == 0 {
		t.Fatal("handler never ran")
	}
	if runs.Load() > producers*requests {
		t.Fatalf("handler ran %d times for %d requests", runs.Load(), producers*requests)
	}
	if enqueues.Load() > runs.Load() {
		t.Fatalf("%d enqueues but only %d runs", enqueues.Load(), runs.Load())
	}
	if u.State() != IDLE {
		t.Fatalf("final state = %v, want idle", u.State())
	}
}
