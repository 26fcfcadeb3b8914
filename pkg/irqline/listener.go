package irqline

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ict/ebb/pkg/interfaces"
)

// haltToken unblocks the receive during Close; it is never delivered.
var haltToken = []byte("halt")

// Listener pumps vectors from one line into one processor. Every
// message is delivered inside an EnterIRQ/ExitIRQ bracket, so raises
// land as interrupt-context work and the bracket exit is the drain
// point. An interrupt storm is paced by a token bucket: excess vectors
// wait their turn in the queue instead of being dropped.
type Listener struct {
	name    string
	q       Queue
	sink    interfaces.IRQSink
	limiter *rate.Limiter

	delivered atomic.Uint64
	throttled atomic.Uint64
	malformed atomic.Uint64

	done   chan struct{}
	exited chan struct{}
}

// NewListener wires a line to a processor. limit <= 0 disables the
// storm pacing.
func NewListener(name string, q Queue, sink interfaces.IRQSink, limit float64, burst int) *Listener {
	l := rate.Inf
	if limit > 0 {
		l = rate.Limit(limit)
		if burst < 1 {
			burst = 1
		}
	}
	return &Listener{
		name:    name,
		q:       q,
		sink:    sink,
		limiter: rate.NewLimiter(l, burst),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Serve delivers vectors until Close. It returns nil on a clean close
// and the receive error otherwise.
//
// The loop blocks only in Receive. A paced delay spends time, not a
// queue slot, and a close during the delay skips the rest of the
// pacing, so the halt nudge always finds a consumer even when the
// queue is full.
func (ln *Listener) Serve() error {
	defer close(ln.exited)

	logger := logrus.WithField("Line", ln.name)
	logger.Info("IrqLine: enter delivery loop")
	for {
		data, err := ln.q.Receive()
		select {
		case <-ln.done:
			logger.Info("IrqLine: leave delivery loop")
			return nil
		default:
		}
		if err != nil {
			return errors.Wrapf(err, "IrqLine: receive on line %s failed", ln.name)
		}

		c, count, err := ParseVector(data)
		if err != nil {
			ln.malformed.Add(1)
			logger.WithField("Vector", string(data)).Warn("IrqLine: dropped a malformed vector")
			continue
		}

		if delay := ln.limiter.Reserve().Delay(); delay > 0 {
			ln.throttled.Add(1)
			select {
			case <-ln.done:
			case <-time.After(delay):
			}
		}
		ln.deliver(c, count)
	}
}

func (ln *Listener) deliver(c interfaces.Class, count int) {
	ln.sink.EnterIRQ()
	for i := 0; i < count; i++ {
		ln.sink.Raise(c)
	}
	ln.sink.ExitIRQ()
	ln.delivered.Add(1)
}

// Close stops the delivery loop, waits for it to leave, then closes
// the line.
func (ln *Listener) Close() error {
	close(ln.done)
	if err := ln.q.Send(haltToken); err != nil {
		logrus.WithField("Line", ln.name).Warn("IrqLine: failed to nudge the delivery loop, ", err)
	}
	<-ln.exited
	return ln.q.Close()
}

// StatsFields renders the delivery counters as log fields.
func (ln *Listener) StatsFields() logrus.Fields {
	return logrus.Fields{
		"Line":      ln.name,
		"Delivered": ln.delivered.Load(),
		"Throttled": ln.throttled.Load(),
		"Malformed": ln.malformed.Load(),
	}
}
