//go:build linux

package connector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	canFrameLen   = 16
	canFDFrameLen = 72
	canMaxDLen    = 8
	canFDMaxDLen  = 64
)

type SocketCANConfig struct {
	Interface string
	// FD enables CAN FD frames of up to 64 data bytes.
	FD bool
	// Extended forces 29-bit identifiers on send.
	Extended bool
	// Filters limits reception to these identifiers (exact match).
	Filters []uint32
	// DefaultID is used when Send carries no remote id.
	DefaultID uint32
}

// SocketCAN is a raw CAN_RAW socket bound to one interface.
type SocketCAN struct {
	name string
	cfg  SocketCANConfig

	mu sync.Mutex
	fd int
}

func NewSocketCAN(name string, cfg SocketCANConfig) *SocketCAN {
	return &SocketCAN{name: name, cfg: cfg, fd: -1}
}

func (c *SocketCAN) Name() string { return c.name }

func (c *SocketCAN) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 {
		return ErrAlreadyOpen
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcan: create socket: %w", err)
	}
	ifreq, err := unix.NewIfreq(c.cfg.Interface)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketcan: ifreq %q: %w", c.cfg.Interface, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketcan: interface index %q: %w", c.cfg.Interface, err)
	}
	if c.cfg.FD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return fmt.Errorf("socketcan: enable fd frames: %w", err)
		}
	}
	if len(c.cfg.Filters) > 0 {
		filters := make([]unix.CanFilter, 0, len(c.cfg.Filters))
		for _, id := range c.cfg.Filters {
			filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_EFF_MASK})
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			unix.Close(fd)
			return fmt.Errorf("socketcan: set filter: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketcan: bind %q: %w", c.cfg.Interface, err)
	}
	c.fd = fd
	return nil
}

func (c *SocketCAN) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func (c *SocketCAN) socket() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

func (c *SocketCAN) Send(payload []byte, opts ...SendOption) error {
	fd := c.socket()
	if fd < 0 {
		return ErrNotOpen
	}
	o := ApplySendOptions(opts)
	id := c.cfg.DefaultID
	if o.HasRemoteID {
		id = o.RemoteID
	}
	if c.cfg.Extended || id > unix.CAN_SFF_MASK {
		id = (id & unix.CAN_EFF_MASK) | unix.CAN_EFF_FLAG
	}

	var buf []byte
	switch {
	case len(payload) <= canMaxDLen:
		buf = make([]byte, canFrameLen)
	case c.cfg.FD && len(payload) <= canFDMaxDLen:
		buf = make([]byte, canFDFrameLen)
	default:
		return fmt.Errorf("socketcan: payload of %d bytes does not fit one frame", len(payload))
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(payload))
	copy(buf[8:], payload)
	_, err := unix.Write(fd, buf)
	return err
}

func (c *SocketCAN) Receive(timeout time.Duration) (Received, error) {
	fd := c.socket()
	if fd < 0 {
		return Received{}, ErrNotOpen
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Received{}, err
	}
	buf := make([]byte, canFDFrameLen)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return Received{}, nil
		}
		return Received{}, err
	}
	if n < canFrameLen {
		return Received{}, fmt.Errorf("socketcan: incomplete frame of %d bytes", n)
	}
	rawID := binary.NativeEndian.Uint32(buf[0:4])
	length := int(buf[4])
	if length > n-8 {
		length = n - 8
	}
	id := rawID & unix.CAN_SFF_MASK
	if rawID&unix.CAN_EFF_FLAG != 0 {
		id = rawID & unix.CAN_EFF_MASK
	}
	payload := make([]byte, length)
	copy(payload, buf[8:8+length])
	return Received{Payload: payload, RemoteID: id, HasRemoteID: true, Timestamp: time.Now()}, nil
}
