package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/processor"
	"github.com/ict/ebb/pkg/stringx"
)

const (
	DefaultMaxRestart = 10
	DefaultBudget     = 2 * time.Millisecond
)

// Config carries the scheduler tunables. Zero values fall back to the
// defaults above; WorkerCPUs empty disables worker pinning.
type Config struct {
	MaxRestart int
	Budget     time.Duration
	WaitPolicy interfaces.WaitPolicy

	WorkerNice int
	WorkerCPUs []int

	HeartbeatPeriod time.Duration
}

func (c *Config) normalize() {
	if c.MaxRestart <= 0 {
		c.MaxRestart = DefaultMaxRestart
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.WaitPolicy >= interfaces.WAIT_INVALID {
		logrus.WithField("WaitPolicy", uint8(c.WaitPolicy)).Fatal("Sched: config carries no usable wait policy")
	}
}

// Scheduler owns the class-handler table, the processor table and the
// tunables. Handlers are registered before the first processor comes
// online and are immutable afterwards.
type Scheduler struct {
	cfg Config

	handlers [interfaces.NumClass]interfaces.Handler
	online   atomic.Bool

	cpus *processor.CPUAllocator

	mu    sync.Mutex
	procs map[string]*processor.Processor

	done chan struct{}
}

var _ interfaces.Closer = &Scheduler{}

// New creates a scheduler. No processor exists until InitProc.
func New(cfg Config) *Scheduler {
	cfg.normalize()
	s := &Scheduler{
		cfg:   cfg,
		procs: make(map[string]*processor.Processor),
		done:  make(chan struct{}),
	}
	if len(cfg.WorkerCPUs) > 0 {
		s.cpus = processor.NewCPUAllocator(cfg.WorkerCPUs)
	}
	return s
}

// Register binds a handler to a class. Usage errors here are fatal:
// registration happens once, at wiring time, and a broken table must
// not come online.
func (s *Scheduler) Register(c interfaces.Class, h interfaces.Handler) {
	if s.online.Load() {
		logrus.WithField("Class", c.String()).Fatal("Sched: register after a processor came online")
	}
	if !c.Valid() {
		logrus.WithField("Class", uint8(c)).Fatal("Sched: register of an undeclared class")
	}
	if c == interfaces.HI || c == interfaces.UNIT {
		logrus.WithField("Class", c.String()).Fatal("Sched: register of a reserved class")
	}
	if h == nil {
		logrus.WithField("Class", c.String()).Fatal("Sched: register without a handler")
	}
	if s.handlers[c] != nil {
		logrus.WithField("Class", c.String()).Fatal("Sched: register of an already handled class")
	}
	s.handlers[c] = h
}

// InitProc brings one processor online. An empty id gets a generated
// one. Failures (duplicate id, no CPU left for pinning, worker setup)
// are recoverable and leave no processor behind.
func (s *Scheduler) InitProc(id string) (*processor.Processor, error) {
	select {
	case <-s.done:
		return nil, errors.New("Sched: init on a closed scheduler")
	default:
	}

	if id == "" {
		id = stringx.GenerateId()
	}
	logger := logrus.WithField("ProcId", id)
	logger.Debug("Sched: start bringing processor online")

	s.online.Store(true)

	prm := processor.Params{
		MaxRestart: s.cfg.MaxRestart,
		Budget:     s.cfg.Budget,
		WaitPolicy: s.cfg.WaitPolicy,
		WorkerNice: s.cfg.WorkerNice,
		WorkerCPU:  -1,
	}
	if s.cpus != nil {
		cpu, err := s.cpus.Claim()
		if err != nil {
			return nil, errors.Wrap(err, "Sched: failed to place the worker")
		}
		prm.WorkerCPU = cpu
	}

	s.mu.Lock()
	if _, ok := s.procs[id]; ok {
		s.mu.Unlock()
		s.releaseCPU(prm.WorkerCPU)
		return nil, errors.Errorf("Sched: processor %s is already online", id)
	}
	// Reserve the slot so a concurrent InitProc with the same id fails
	// fast while this worker starts.
	s.procs[id] = nil
	s.mu.Unlock()

	p := processor.New(id, &s.handlers, prm)
	if err := p.Start(); err != nil {
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		s.releaseCPU(prm.WorkerCPU)
		return nil, err
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	logger.Debug("Sched: finish bringing processor online")
	return p, nil
}

func (s *Scheduler) releaseCPU(cpu int) {
	if s.cpus != nil && cpu >= 0 {
		s.cpus.Release(cpu)
	}
}

// TeardownProc stops a processor's worker and takes it out of the
// table. Tearing down with work still pending is a usage error and
// asserts; quiesce producers first.
func (s *Scheduler) TeardownProc(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p == nil {
		s.mu.Unlock()
		return errors.Errorf("Sched: no online processor %s", id)
	}
	delete(s.procs, id)
	s.mu.Unlock()

	logger := logrus.WithField("ProcId", id)
	logger.Debug("Sched: start tearing processor down")
	p.Stop()
	if !p.Drained() {
		logrus.WithFields(p.StatsFields()).Fatal("Sched: teardown of a processor with pending work")
	}
	s.releaseCPU(p.WorkerCPU())
	logger.Debug("Sched: finish tearing processor down")
	return nil
}

// Proc looks an online processor up.
func (s *Scheduler) Proc(id string) (*processor.Processor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok && p != nil
}

// Procs snapshots the online processors.
func (s *Scheduler) Procs() []*processor.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*processor.Processor, 0, len(s.procs))
	for _, p := range s.procs {
		if p != nil {
			procs = append(procs, p)
		}
	}
	return procs
}

// RaiseOn raises a class on a processor picked by id, for producers
// that hold no handle.
func (s *Scheduler) RaiseOn(id string, c interfaces.Class) error {
	p, ok := s.Proc(id)
	if !ok {
		return errors.Errorf("Sched: no online processor %s", id)
	}
	p.Raise(c)
	return nil
}

// StartHeartbeat logs every processor's dispatch counters each period
// until Close.
func (s *Scheduler) StartHeartbeat() {
	if s.cfg.HeartbeatPeriod <= 0 {
		return
	}
	logrus.Info("Sched: enter heartbeat loop")
	go func() {
		for {
			select {
			case <-s.done:
				return
			default:
			}

			for _, p := range s.Procs() {
				logrus.WithFields(p.StatsFields()).Info("Sched: processor heartbeat")
			}
			time.Sleep(s.cfg.HeartbeatPeriod)
		}
	}()
}

// Close stops the heartbeat and every worker. Work still pending at
// close is reported, not asserted: shutdown is not a usage error.
func (s *Scheduler) Close() error {
	close(s.done)

	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*processor.Processor)
	s.mu.Unlock()

	for id, p := range procs {
		if p == nil {
			continue
		}
		p.Stop()
		if !p.Drained() {
			logrus.WithFields(p.StatsFields()).Warn("Sched: processor closed with pending work")
		}
		s.releaseCPU(p.WorkerCPU())
		logrus.WithField("ProcId", id).Debug("Sched: processor closed")
	}
	return nil
}
