package connector

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	InboundDepth     int
}

// WebSocket carries binary messages to a simulated bench over a websocket.
// A reader goroutine feeds an inbound channel because a gorilla connection
// cannot be read again after a deadline error.
type WebSocket struct {
	name string
	cfg  WebSocketConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound chan Received
	done    chan struct{}
	readErr error
}

func NewWebSocket(name string, cfg WebSocketConfig) *WebSocket {
	if cfg.InboundDepth <= 0 {
		cfg.InboundDepth = 64
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &WebSocket{name: name, cfg: cfg}
}

func (w *WebSocket) Name() string { return w.name }

func (w *WebSocket) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return ErrAlreadyOpen
	}
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(w.cfg.URL, w.cfg.Header)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", w.cfg.URL, err)
	}
	w.conn = conn
	w.inbound = make(chan Received, w.cfg.InboundDepth)
	w.done = make(chan struct{})
	w.readErr = nil
	go w.readLoop(conn, w.inbound, w.done)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, inbound chan<- Received, done chan struct{}) {
	defer close(done)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			if w.conn == conn {
				w.readErr = err
			}
			w.mu.Unlock()
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Debug().Str("connector", w.name).Int("type", msgType).Msg("websocket: non-binary message dropped")
			continue
		}
		select {
		case inbound <- Received{Payload: payload, Timestamp: time.Now()}:
		default:
			log.Warn().Str("connector", w.name).Msg("websocket: inbound full, frame dropped")
		}
	}
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := conn.Close()
	<-done
	return err
}

func (w *WebSocket) Send(payload []byte, _ ...SendOption) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotOpen
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *WebSocket) Receive(timeout time.Duration) (Received, error) {
	w.mu.Lock()
	conn, inbound, readErr := w.conn, w.inbound, w.readErr
	w.mu.Unlock()
	if conn == nil {
		return Received{}, ErrNotOpen
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-inbound:
		return r, nil
	case <-timer.C:
		if readErr != nil && !errors.Is(readErr, websocket.ErrCloseSent) {
			return Received{}, readErr
		}
		return Received{}, nil
	}
}
