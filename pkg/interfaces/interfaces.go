package interfaces

type Closer interface {
	Close() error
}

// IRQSink is what an interrupt-line listener needs from a processor:
// mark pending work and bracket the delivery in interrupt context, so
// raises inside the bracket defer draining and the exit of the bracket
// triggers it.
type IRQSink interface {
	EnterIRQ()
	ExitIRQ()
	Raise(Class)
}
