package connector

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

type TCPConfig struct {
	Address     string
	DialTimeout time.Duration
	ReadBuffer  int
	// Trim is applied to every received payload. Defaults to stripping a
	// trailing "\r\n".
	Trim TrimFunc
}

func DefaultTCPConfig(addr string) TCPConfig {
	return TCPConfig{
		Address:     addr,
		DialTimeout: 5 * time.Second,
		ReadBuffer:  4096,
		Trim:        TrimSuffix([]byte("\r\n")),
	}
}

// TCP is a stream socket connector. Each Receive returns whatever one read
// yields; framing is left to the protocol layer.
type TCP struct {
	name string
	cfg  TCPConfig

	mu   sync.Mutex
	conn net.Conn
}

func NewTCP(name string, cfg TCPConfig) *TCP {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 4096
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &TCP{name: name, cfg: cfg}
}

func (c *TCP) Name() string { return c.name }

func (c *TCP) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyOpen
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.Dial("tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", c.cfg.Address, err)
	}
	c.conn = conn
	return nil
}

func (c *TCP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCP) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *TCP) Send(payload []byte, _ ...SendOption) error {
	conn := c.current()
	if conn == nil {
		return ErrNotOpen
	}
	_, err := conn.Write(payload)
	return err
}

func (c *TCP) Receive(timeout time.Duration) (Received, error) {
	conn := c.current()
	if conn == nil {
		return Received{}, ErrNotOpen
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Received{}, err
	}
	buf := make([]byte, c.cfg.ReadBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Received{}, nil
		}
		return Received{}, err
	}
	payload := buf[:n]
	if c.cfg.Trim != nil {
		payload = c.cfg.Trim(payload)
	}
	return Received{Payload: payload, Timestamp: time.Now()}, nil
}
