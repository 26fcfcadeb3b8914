package serve

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/ict/ebb/pkg/sched"
)

// ebbServeConfig holds the daemon configuration. Values come from the
// toml file, EBB_* environment overrides and the serve flags, in that
// order of precedence.
type ebbServeConfig struct {
	Procs      int           `mapstructure:"procs"`
	MaxRestart int           `mapstructure:"max_restart"`
	Budget     time.Duration `mapstructure:"budget"`
	WaitPolicy string        `mapstructure:"wait_policy"`

	WorkerNice int  `mapstructure:"worker_nice"`
	PinWorkers bool `mapstructure:"pin_workers"`

	Lines       []string      `mapstructure:"lines"`
	StormRate   float64       `mapstructure:"storm_rate"`
	StormBurst  int           `mapstructure:"storm_burst"`
	HandlerCost time.Duration `mapstructure:"handler_cost"`

	CgroupPath  string        `mapstructure:"cgroup_path"`
	MeterPeriod time.Duration `mapstructure:"meter_period"`

	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// loadConfig reads the config file and env. Flags already bound to
// viper override both.
func loadConfig() (*ebbServeConfig, error) {
	v := viper.New()

	v.SetDefault("procs", runtime.NumCPU())
	v.SetDefault("max_restart", sched.DefaultMaxRestart)
	v.SetDefault("budget", sched.DefaultBudget)
	v.SetDefault("wait_policy", "yield")
	v.SetDefault("worker_nice", 0)
	v.SetDefault("pin_workers", false)
	v.SetDefault("lines", []string{"ebb.line0"})
	v.SetDefault("storm_rate", 0.0)
	v.SetDefault("storm_burst", 64)
	v.SetDefault("handler_cost", time.Duration(0))
	v.SetDefault("cgroup_path", "/ebb")
	v.SetDefault("meter_period", 5*time.Second)
	v.SetDefault("heartbeat_period", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "/tmp/ebb/ebb.log")

	v.SetConfigType("toml")
	if cfgPath := os.Getenv("EBB_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath("/etc/ebb")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("EBB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// the config file is optional
	_ = v.ReadInConfig()

	for _, name := range []string{
		"procs", "max-restart", "budget", "wait-policy", "worker-nice",
		"pin-workers", "lines", "storm-rate", "log-level", "log-file",
	} {
		if f := ServeCmd.Flags().Lookup(name); f != nil && f.Changed {
			key := strings.ReplaceAll(name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "failed to bind flag %s", name)
			}
		}
	}

	var c ebbServeConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if c.Procs < 1 {
		return nil, errors.Errorf("procs must be at least 1, got %d", c.Procs)
	}
	if len(c.Lines) == 0 {
		return nil, errors.New("at least one interrupt line is required")
	}
	return &c, nil
}
