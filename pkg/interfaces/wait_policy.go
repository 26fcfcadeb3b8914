package interfaces

import "github.com/sirupsen/logrus"

// WaitPolicy selects how a processor spins while it waits for a work
// unit running elsewhere.
type WaitPolicy uint8

const (
	// WAIT_YIELD yields the goroutine between observations.
	WAIT_YIELD WaitPolicy = iota
	// WAIT_DISABLE_ENABLE brackets each observation in a local
	// disable/enable pair so a starved local drain can progress while
	// the waiter spins.
	WAIT_DISABLE_ENABLE
	WAIT_INVALID
)

func ParseWaitPolicy(s string) (p WaitPolicy) {
	switch s {
	case "yield":
		p = WAIT_YIELD
	case "disable-enable":
		p = WAIT_DISABLE_ENABLE
	default:
		p = WAIT_INVALID
	}
	return
}

func (p WaitPolicy) String() string {
	switch p {
	case WAIT_YIELD:
		return "yield"
	case WAIT_DISABLE_ENABLE:
		return "disable-enable"
	case WAIT_INVALID:
		return "invalid"
	}
	logrus.WithField("WaitPolicy", uint8(p)).Fatal("not a normal WaitPolicy")
	return ""
}
