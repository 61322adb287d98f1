package connector

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotOpen     = errors.New("connector: not open")
	ErrAlreadyOpen = errors.New("connector: already open")
	ErrBufferFull  = errors.New("connector: inbound buffer full")
	ErrUnsupported = errors.New("connector: transport unsupported on this platform")
)

// Connector is the transport contract every auxiliary talks through.
//
// Receive returns an empty Received (nil Payload) and a nil error when
// nothing arrived within timeout. It must be safe to call repeatedly with
// short timeouts.
type Connector interface {
	Name() string
	Open() error
	Close() error
	Send(payload []byte, opts ...SendOption) error
	Receive(timeout time.Duration) (Received, error)
}

// Received is one inbound payload plus routing metadata.
type Received struct {
	Payload     []byte
	RemoteID    uint32
	HasRemoteID bool
	Timestamp   time.Time
}

func (r Received) Empty() bool {
	return len(r.Payload) == 0
}

type SendOptions struct {
	RemoteID    uint32
	HasRemoteID bool
}

type SendOption func(*SendOptions)

// WithRemoteID sets the routing hint, e.g. a CAN arbitration id.
func WithRemoteID(id uint32) SendOption {
	return func(o *SendOptions) {
		o.RemoteID = id
		o.HasRemoteID = true
	}
}

func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Options rebuilds an option list equivalent to o.
func (o SendOptions) Options() []SendOption {
	if !o.HasRemoteID {
		return nil
	}
	return []SendOption{WithRemoteID(o.RemoteID)}
}

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TrimFunc post-processes raw payloads for transports that frame with a
// delimiter.
type TrimFunc func([]byte) []byte

func TrimSuffix(suffix []byte) TrimFunc {
	return func(b []byte) []byte {
		return bytes.TrimSuffix(b, suffix)
	}
}

// Flasher programs firmware onto a target before its connector is opened.
type Flasher interface {
	Open() error
	Flash() error
	Close() error
}

// FlashOnce runs one scoped open/flash/close cycle. Close always runs once
// Open has succeeded.
func FlashOnce(f Flasher) (err error) {
	if err := f.Open(); err != nil {
		return fmt.Errorf("flasher open: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("flasher close: %w", cerr)
		}
	}()
	if err := f.Flash(); err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	return nil
}
