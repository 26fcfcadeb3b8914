package irqline

import (
	"strings"

	"github.com/aceofkid/posix_mq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/stringx"
)

// Queue is the transport behind an interrupt line.
type Queue interface {
	InQue
	OutQue
}

type InQue interface {
	Send([]byte) error
	interfaces.Closer
}

type OutQue interface {
	Receive() ([]byte, error)
	interfaces.Closer
}

const (
	lineMsgSize = 1 << 10
	lineMaxMsg  = 4096
)

// Line is an interrupt line over a POSIX message queue: external
// producers send vector messages, the daemon side receives them. The
// side that opened the line owns the queue name and unlinks it on
// close; an attached producer only closes its descriptor.
type Line struct {
	name string
	mq   *posix_mq.MessageQueue
	own  bool
}

var _ Queue = &Line{}

// Open creates the line's queue and takes ownership of its name.
func Open(name string) (*Line, error) {
	if strings.Contains(name, "/") {
		return nil, errors.New("line name cannot contain '/'")
	}
	logger := logrus.WithField("Line", name)
	logger.Debug("IrqLine: start opening")
	defer logger.Debug("IrqLine: finish opening")

	attr := &posix_mq.MessageQueueAttribute{MsgSize: lineMsgSize, MaxMsg: lineMaxMsg}
	oflag := posix_mq.O_RDWR | posix_mq.O_CREAT | posix_mq.O_EXCL
	mq, err := posix_mq.NewMessageQueue(stringx.Concat("/", name), oflag, 0666, attr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the line queue")
	}
	return &Line{name: name, mq: mq, own: true}, nil
}

// Attach opens an existing line for sending vectors into it.
func Attach(name string) (*Line, error) {
	if strings.Contains(name, "/") {
		return nil, errors.New("line name cannot contain '/'")
	}
	mq, err := posix_mq.NewMessageQueue(stringx.Concat("/", name), posix_mq.O_WRONLY, 0666, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach to the line queue")
	}
	return &Line{name: name, mq: mq}, nil
}

func (l *Line) Name() string {
	return l.name
}

func (l *Line) Send(data []byte) error {
	if err := l.mq.Send(data, 0); err != nil {
		return errors.Wrap(err, "line send failed")
	}
	return nil
}

func (l *Line) Receive() ([]byte, error) {
	data, _, err := l.mq.Receive()
	if err != nil {
		return nil, errors.Wrap(err, "line receive failed")
	}
	return data, nil
}

func (l *Line) Close() error {
	if l.own {
		return l.mq.Unlink()
	}
	return l.mq.Close()
}
