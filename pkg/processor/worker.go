package processor

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// workerLoop is the processor's background drainer. It reports thread
// setup through initCh before serving the first wake, then drains
// without a budget until told to stop.
func (p *Processor) workerLoop(initCh chan<- error) {
	defer close(p.exited)

	if p.prm.WorkerNice != 0 || p.prm.WorkerCPU >= 0 {
		// Priority and affinity stick to the OS thread, so the
		// goroutine must too.
		runtime.LockOSThread()
		if err := p.setupWorkerThread(); err != nil {
			initCh <- err
			return
		}
	}
	initCh <- nil

	logger := logrus.WithField("ProcId", p.Id)
	logger.Debug("Proc: worker online")
	for {
		select {
		case <-p.done:
			logger.Debug("Proc: worker exiting")
			return
		case <-p.wake:
			p.stats.Wakeups.Add(1)
			p.drain(false)
		}
	}
}

func (p *Processor) setupWorkerThread() error {
	if p.prm.WorkerNice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), p.prm.WorkerNice); err != nil {
			return errors.Wrapf(err, "failed to renice worker thread to %d", p.prm.WorkerNice)
		}
	}
	if p.prm.WorkerCPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(p.prm.WorkerCPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return errors.Wrapf(err, "failed to pin worker thread to cpu %d", p.prm.WorkerCPU)
		}
	}
	return nil
}
