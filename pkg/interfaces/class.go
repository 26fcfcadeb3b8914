package interfaces

import "github.com/sirupsen/logrus"

// Class identifies one statically declared deferred-work class.
// Declaration order is dispatch priority: lower classes run first
// within a dispatch pass.
type Class uint8

const (
	HI Class = iota // drains the high-priority work unit queue
	TIMER
	NETTX
	NETRX
	BLOCK
	POLL
	UNIT // drains the normal work unit queue
	SCHED

	NumClass
	INVALID Class = NumClass
)

// Handler is a class handler. It runs with normal execution enabled,
// holds no scheduler lock, and is expected to be short.
type Handler func()

func ParseClass(s string) (c Class) {
	switch s {
	case "hi":
		c = HI
	case "timer":
		c = TIMER
	case "nettx":
		c = NETTX
	case "netrx":
		c = NETRX
	case "block":
		c = BLOCK
	case "poll":
		c = POLL
	case "unit":
		c = UNIT
	case "sched":
		c = SCHED
	default:
		c = INVALID
	}
	return
}

func (c Class) String() string {
	switch c {
	case HI:
		return "hi"
	case TIMER:
		return "timer"
	case NETTX:
		return "nettx"
	case NETRX:
		return "netrx"
	case BLOCK:
		return "block"
	case POLL:
		return "poll"
	case UNIT:
		return "unit"
	case SCHED:
		return "sched"
	case INVALID:
		return "invalid"
	}
	logrus.WithField("Class", uint8(c)).Fatal("not a normal Class")
	return ""
}

// Bit returns the class's position in a pending bitmask.
func (c Class) Bit() uint32 {
	return 1 << uint32(c)
}

// Valid reports whether c names a declared class.
func (c Class) Valid() bool {
	return c < NumClass
}
