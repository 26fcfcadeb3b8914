package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/irqline"
	"github.com/ict/ebb/pkg/processor"
	"github.com/ict/ebb/pkg/sched"
	"github.com/ict/ebb/pkg/stringx"
	"github.com/ict/ebb/pkg/telemetry"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ebb scheduler daemon",
	Long:  `Start the ebb scheduler daemon.`,
}

func init() {
	ServeCmd.Run = func(cmd *cobra.Command, args []string) {
		serveEbb()
	}
	ServeCmd.Flags().Int("procs", runtime.NumCPU(), "the number of processors to bring online")
	ServeCmd.Flags().Int("max-restart", sched.DefaultMaxRestart, "inline drain passes before handing off")
	ServeCmd.Flags().Duration("budget", sched.DefaultBudget, "inline drain latency budget")
	ServeCmd.Flags().String("wait-policy", "yield", "the unit wait policy, yield or disable-enable")
	ServeCmd.Flags().Int("worker-nice", 0, "niceness of the background workers")
	ServeCmd.Flags().Bool("pin-workers", false, "pin each worker thread to its own cpu")
	ServeCmd.Flags().StringSlice("lines", []string{"ebb.line0"}, "the interrupt lines to listen on")
	ServeCmd.Flags().Float64("storm-rate", 0, "vectors per second per line, 0 disables pacing")
	ServeCmd.Flags().String("log-level", "info", "the log level")
	ServeCmd.Flags().String("log-file", "/tmp/ebb/ebb.log", "the log file, empty logs to stderr")
}

func initEnv(cfg *ebbServeConfig) {
	// Lines carry deep queues; the default message-queue budget is far
	// too small for them.
	var rLim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MSGQUEUE, &rLim); err != nil {
		panic(err)
	}
	logrus.Info("Rlimit init: ", rLim)
	if err := unix.Setrlimit(unix.RLIMIT_MSGQUEUE, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		logrus.Warn("Serve: failed to raise the message queue rlimit, lines may not open, ", err)
	} else {
		if err := unix.Getrlimit(unix.RLIMIT_MSGQUEUE, &rLim); err != nil {
			panic(err)
		}
		logrus.Info("Rlimit final: ", rLim)
	}

	// setup logger
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("unknown log level, `%s`", cfg.LogLevel)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000",
	})

	if cfg.LogFile != "" {
		os.MkdirAll(filepath.Dir(cfg.LogFile), 0777)
		logFile, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			logrus.Fatal("open log file failed, ", err)
		}
		logrus.SetOutput(logFile)
	}
}

// registerHandlers binds the soak handlers: every deliverable class
// counts its runs and optionally burns a fixed cost, so a driven line
// exercises dispatch under realistic handler weight.
func registerHandlers(s *sched.Scheduler, cost time.Duration) *atomic.Uint64 {
	served := &atomic.Uint64{}
	for _, c := range []interfaces.Class{
		interfaces.TIMER, interfaces.NETTX, interfaces.NETRX,
		interfaces.BLOCK, interfaces.POLL, interfaces.SCHED,
	} {
		s.Register(c, func() {
			if cost > 0 {
				end := time.Now().Add(cost)
				for time.Now().Before(end) {
				}
			}
			served.Add(1)
		})
	}
	return served
}

// startMeter samples the accounting cgroup until stopped. Metering is
// best effort: a machine without the v1 hierarchy only logs a warning.
func startMeter(cfg *ebbServeConfig) func() {
	if cfg.CgroupPath == "" || cfg.MeterPeriod <= 0 {
		return func() {}
	}
	counters, err := telemetry.NewCgroupCounters(cfg.CgroupPath, true)
	if err != nil {
		logrus.Warn("Serve: cpu metering disabled, ", err)
		return func() {}
	}
	meter := telemetry.NewMeter(counters, telemetry.NopGuard{})

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-time.After(cfg.MeterPeriod):
			}
			total, err := meter.Total()
			if err != nil {
				logrus.Error("Serve: cpu meter read failed, ", err)
				continue
			}
			logrus.WithField("CpuNanos", total).Info("Serve: cpu meter")
		}
	}()
	return func() {
		close(done)
		<-exited
		if err := counters.Close(); err != nil {
			logrus.Error("Serve: failed to close the accounting cgroup, ", err)
		}
	}
}

func serveEbb() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatal("Serve: bad configuration, ", err)
	}
	initEnv(cfg)

	waitPolicy := interfaces.ParseWaitPolicy(cfg.WaitPolicy)
	if waitPolicy == interfaces.WAIT_INVALID {
		logrus.Fatalf("unknown wait policy, `%s`", cfg.WaitPolicy)
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	selfId := stringx.GenerateId()
	logrus.Info("GOMAXPROCS: ", runtime.GOMAXPROCS(0))
	logrus.Info("SelfID:", selfId)
	logrus.Info("Procs:", cfg.Procs)
	logrus.Info("Lines:", cfg.Lines)

	schedCfg := sched.Config{
		MaxRestart:      cfg.MaxRestart,
		Budget:          cfg.Budget,
		WaitPolicy:      waitPolicy,
		WorkerNice:      cfg.WorkerNice,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
	}
	if cfg.PinWorkers {
		cpus := make([]int, runtime.NumCPU())
		for i := range cpus {
			cpus[i] = i
		}
		schedCfg.WorkerCPUs = cpus
	}

	s := sched.New(schedCfg)
	served := registerHandlers(s, cfg.HandlerCost)

	procs := make([]*processor.Processor, 0, cfg.Procs)
	for i := 0; i < cfg.Procs; i++ {
		p, err := s.InitProc(fmt.Sprintf("cpu%d", i))
		if err != nil {
			logrus.Fatal("Serve: failed to bring a processor online, ", err)
		}
		procs = append(procs, p)
	}

	// one listener per line, round robin over the processors
	g, gctx := errgroup.WithContext(context.Background())
	listeners := make([]*irqline.Listener, 0, len(cfg.Lines))
	for i, name := range cfg.Lines {
		line, err := irqline.Open(name)
		if err != nil {
			logrus.Fatal("Serve: failed to open an interrupt line, ", err)
		}
		ln := irqline.NewListener(name, line, procs[i%len(procs)], cfg.StormRate, cfg.StormBurst)
		listeners = append(listeners, ln)
		g.Go(ln.Serve)
	}

	meterStop := startMeter(cfg)
	s.StartHeartbeat()

	// graceful exit
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)

	select {
	case sig := <-c:
		logrus.Infof("Got %s signal. Aborting...", sig)
	case <-gctx.Done():
		logrus.Error("Serve: an interrupt line failed. Aborting...")
	}

	onErr := func(err error) {
		if err != nil {
			logrus.Error(err)
		}
	}
	for _, ln := range listeners {
		logrus.WithFields(ln.StatsFields()).Info("Serve: line closing")
		onErr(ln.Close())
	}
	onErr(g.Wait())
	meterStop()
	onErr(s.Close())
	logrus.WithField("Served", served.Load()).Info("Serve: bye")
}
