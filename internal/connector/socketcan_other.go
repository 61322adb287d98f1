//go:build !linux

package connector

import "time"

type SocketCANConfig struct {
	Interface string
	FD        bool
	Extended  bool
	Filters   []uint32
	DefaultID uint32
}

// SocketCAN is only available on linux.
type SocketCAN struct {
	name string
}

func NewSocketCAN(name string, _ SocketCANConfig) *SocketCAN {
	return &SocketCAN{name: name}
}

func (c *SocketCAN) Name() string                            { return c.name }
func (c *SocketCAN) Open() error                             { return ErrUnsupported }
func (c *SocketCAN) Close() error                            { return nil }
func (c *SocketCAN) Send([]byte, ...SendOption) error        { return ErrNotOpen }
func (c *SocketCAN) Receive(time.Duration) (Received, error) { return Received{}, ErrNotOpen }
