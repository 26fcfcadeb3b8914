package telemetry

import (
	"os"

	"github.com/containerd/cgroups"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CgroupCounters reads the daemon's cpu time out of a v1 accounting
// cgroup and presents it as a wrapping 32-bit counter for a Meter.
type CgroupCounters struct {
	path    string
	control cgroups.Cgroup
	created bool
}

var _ Counters = &CgroupCounters{}

// NewCgroupCounters loads the cgroup at path, creating it when absent,
// and optionally moves the calling process into it so its cpu time is
// what gets metered.
func NewCgroupCounters(path string, addSelf bool) (*CgroupCounters, error) {
	logger := logrus.WithField("CgroupPath", path)
	logger.Debug("Telemetry: start opening cgroup counters")
	defer logger.Debug("Telemetry: finish opening cgroup counters")

	created := false
	control, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		control, err = cgroups.New(cgroups.V1, cgroups.StaticPath(path), &specs.LinuxResources{})
		if err != nil {
			return nil, errors.Wrap(err, "failed to open the accounting cgroup")
		}
		created = true
	}
	if addSelf {
		if err := control.Add(cgroups.Process{Pid: os.Getpid()}); err != nil {
			return nil, errors.Wrap(err, "failed to join the accounting cgroup")
		}
	}
	return &CgroupCounters{path: path, control: control, created: created}, nil
}

// Read returns the cgroup's total cpu nanoseconds truncated to the
// 32-bit face the meter unwraps.
func (c *CgroupCounters) Read() (uint32, error) {
	stats, err := c.control.Stat(cgroups.IgnoreNotExist)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat the accounting cgroup")
	}
	if stats.CPU == nil || stats.CPU.Usage == nil {
		return 0, errors.New("the accounting cgroup reports no cpu usage")
	}
	return uint32(stats.CPU.Usage.Total), nil
}

// Close deletes the cgroup if this process created it.
func (c *CgroupCounters) Close() error {
	if !c.created {
		return nil
	}
	return c.control.Delete()
}
