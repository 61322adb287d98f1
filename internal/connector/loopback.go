package connector

import (
	"sync"
	"time"
)

// Loopback is an in-memory connector. Payloads sent on one end of a pair
// arrive at the other end.
type Loopback struct {
	name  string
	inbox chan Received

	mu       sync.Mutex
	state    State
	peer     *Loopback
	openErr  error
	sendHook func([]byte, SendOptions)
}

func NewLoopback(name string, depth int) *Loopback {
	if depth <= 0 {
		depth = 64
	}
	return &Loopback{name: name, inbox: make(chan Received, depth)}
}

// NewLoopbackPair returns two connected ends.
func NewLoopbackPair(a, b string, depth int) (*Loopback, *Loopback) {
	left := NewLoopback(a, depth)
	right := NewLoopback(b, depth)
	left.peer = right
	right.peer = left
	return left, right
}

func (l *Loopback) Name() string { return l.name }

// FailOpen makes the next Open calls return err until cleared with nil.
func (l *Loopback) FailOpen(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
}

// OnSend registers a hook observing every sent payload.
func (l *Loopback) OnSend(fn func([]byte, SendOptions)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendHook = fn
}

func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loopback) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.state = StateOpen
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
	return nil
}

func (l *Loopback) Send(payload []byte, opts ...SendOption) error {
	l.mu.Lock()
	state, peer, hook := l.state, l.peer, l.sendHook
	l.mu.Unlock()
	if state != StateOpen {
		return ErrNotOpen
	}
	o := ApplySendOptions(opts)
	buf := append([]byte(nil), payload...)
	if hook != nil {
		hook(buf, o)
	}
	if peer == nil {
		return nil
	}
	return peer.Inject(Received{
		Payload:     buf,
		RemoteID:    o.RemoteID,
		HasRemoteID: o.HasRemoteID,
		Timestamp:   time.Now(),
	})
}

// Inject queues r as if it had arrived from the wire.
func (l *Loopback) Inject(r Received) error {
	select {
	case l.inbox <- r:
		return nil
	default:
		return ErrBufferFull
	}
}

func (l *Loopback) Receive(timeout time.Duration) (Received, error) {
	if l.State() != StateOpen {
		return Received{}, ErrNotOpen
	}
	if timeout <= 0 {
		select {
		case r := <-l.inbox:
			return r, nil
		default:
			return Received{}, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-l.inbox:
		return r, nil
	case <-timer.C:
		return Received{}, nil
	}
}
