package telemetry

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Counters exposes one 32-bit counter that counts up and wraps.
type Counters interface {
	Read() (uint32, error)
}

// WakeGuard keeps the counter's backing domain awake for the extent
// of a read. Hold returns the matching release.
type WakeGuard interface {
	Hold() (release func())
}

// NopGuard is the guard for domains that are always awake.
type NopGuard struct{}

func (NopGuard) Hold() func() {
	return func() {}
}

// Meter accumulates a wrapping 32-bit counter into a monotonic 64-bit
// total. Reads are serialized by the meter's lock and bracketed by the
// wake guard; the first read primes the baseline.
type Meter struct {
	src   Counters
	guard WakeGuard

	mu     sync.Mutex
	prev   uint32
	accum  uint64
	primed bool
}

func NewMeter(src Counters, guard WakeGuard) *Meter {
	if guard == nil {
		guard = NopGuard{}
	}
	return &Meter{src: src, guard: guard}
}

// Total folds the counter's movement since the last call into the
// accumulator and returns it. A wrap between two reads is folded in
// correctly as long as the counter wraps at most once in between.
func (m *Meter) Total() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	release := m.guard.Hold()
	val, err := m.src.Read()
	release()
	if err != nil {
		return 0, errors.Wrap(err, "Meter: failed to read the counter")
	}

	if !m.primed {
		m.prev = val
		m.primed = true
		return m.accum, nil
	}
	if val >= m.prev {
		m.accum += uint64(val - m.prev)
	} else {
		m.accum += uint64(math.MaxUint32-m.prev) + uint64(val) + 1
	}
	m.prev = val
	return m.accum, nil
}
