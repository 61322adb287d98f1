package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/benchctl/internal/connector"
)

// VirtualConnector looks like a physical connector to the auxiliary that
// owns it.
type VirtualConnector struct {
	name   string
	mux    *Multiplexer
	filter Filter
	inbox  chan connector.Received

	mu      sync.Mutex
	state   connector.State
	dropped atomic.Uint64
}

func (v *VirtualConnector) Name() string { return v.name }

// Dropped counts frames discarded because the inbound buffer was full.
func (v *VirtualConnector) Dropped() uint64 { return v.dropped.Load() }

// Open fails while the physical connector is closed.
func (v *VirtualConnector) Open() error {
	if !v.mux.isOpen() {
		return ErrPhysicalNotOpen
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = connector.StateOpen
	return nil
}

func (v *VirtualConnector) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = connector.StateClosed
	for {
		select {
		case <-v.inbox:
		default:
			return nil
		}
	}
}

func (v *VirtualConnector) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state == connector.StateOpen
}

func (v *VirtualConnector) Send(payload []byte, opts ...connector.SendOption) error {
	if !v.isOpen() {
		return connector.ErrNotOpen
	}
	return v.mux.send(v.name, payload, opts)
}

func (v *VirtualConnector) Receive(timeout time.Duration) (connector.Received, error) {
	if !v.isOpen() {
		return connector.Received{}, connector.ErrNotOpen
	}
	if timeout <= 0 {
		select {
		case r := <-v.inbox:
			return r, nil
		default:
			return connector.Received{}, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-v.inbox:
		return r, nil
	case <-timer.C:
		return connector.Received{}, nil
	}
}

func (v *VirtualConnector) accepts(r connector.Received) bool {
	if !v.isOpen() {
		return false
	}
	return v.filter == nil || v.filter(r)
}

// deliver copies r into the inbox, discarding the oldest frame when full.
func (v *VirtualConnector) deliver(r connector.Received) {
	r.Payload = append([]byte(nil), r.Payload...)
	for {
		select {
		case v.inbox <- r:
			return
		default:
		}
		select {
		case <-v.inbox:
			v.dropped.Add(1)
		default:
		}
	}
}
