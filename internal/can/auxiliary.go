package can

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/rs/zerolog/log"
)

var ErrNoDatabase = errors.New("can: signal database required")

// SignalMessage is one decoded frame.
type SignalMessage struct {
	Name      string             `json:"name"`
	ID        uint32             `json:"id"`
	Signals   map[string]float64 `json:"signals"`
	Timestamp time.Time          `json:"timestamp"`
}

func (m SignalMessage) clone() SignalMessage {
	sigs := make(map[string]float64, len(m.Signals))
	for k, v := range m.Signals {
		sigs[k] = v
	}
	m.Signals = sigs
	return m
}

type Config struct {
	Name        string
	WaitTimeout time.Duration
}

func DefaultConfig(name string) Config {
	return Config{Name: name, WaitTimeout: 200 * time.Millisecond}
}

// slot holds the latest message of one name. changed is closed and
// replaced on every store.
type slot struct {
	msg     SignalMessage
	has     bool
	seq     uint64
	changed chan struct{}
}

// Handler implements auxiliary.Handler. Each message name keeps only its
// most recent value; reads never consume it.
type Handler struct {
	cfg  Config
	conn connector.Connector
	db   *Database

	mu    sync.Mutex
	slots map[string]*slot
}

func New(cfg Config, conn connector.Connector, db *Database) (*Handler, error) {
	if conn == nil {
		return nil, fmt.Errorf("can: connector required")
	}
	if db == nil {
		return nil, ErrNoDatabase
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig(cfg.Name).WaitTimeout
	}
	return &Handler{cfg: cfg, conn: conn, db: db, slots: make(map[string]*slot)}, nil
}

func (h *Handler) Database() *Database { return h.db }

func (h *Handler) CreateInstance(context.Context) error {
	if err := h.conn.Open(); err != nil {
		return err
	}
	log.Info().Str("aux", h.cfg.Name).Int("messages", len(h.db.Messages)).Msg("can: instance created")
	return nil
}

func (h *Handler) DeleteInstance() error {
	return h.conn.Close()
}

func (h *Handler) RunCommand(_ context.Context, cmd auxiliary.Command, _ time.Duration, _ int) bool {
	switch cmd.Kind {
	case auxiliary.KindRaw:
		if err := h.conn.Send(cmd.Raw, cmd.Route.Options()...); err != nil {
			log.Error().Str("aux", h.cfg.Name).Err(err).Msg("can: send failed")
			return false
		}
		return true
	case auxiliary.KindMessage:
		log.Debug().Str("aux", h.cfg.Name).Str("command", cmd.String()).Msg("can: message command ignored")
	default:
		log.Warn().Str("aux", h.cfg.Name).Str("command", cmd.String()).Msg("can: unknown command")
	}
	return false
}

func (h *Handler) Receive(_ context.Context, timeout time.Duration) error {
	r, err := h.conn.Receive(timeout)
	if err != nil {
		return err
	}
	if r.Empty() {
		return nil
	}
	if !r.HasRemoteID {
		log.Debug().Str("aux", h.cfg.Name).Msg("can: frame without id dropped")
		return nil
	}
	def, ok := h.db.ByID(r.RemoteID)
	if !ok {
		log.Debug().Str("aux", h.cfg.Name).Uint32("id", r.RemoteID).Msg("can: frame not in database")
		return nil
	}
	sigs, err := def.Decode(r.Payload)
	if err != nil {
		log.Warn().Str("aux", h.cfg.Name).Err(err).Msg("can: frame dropped")
		return nil
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h.store(SignalMessage{Name: def.Name, ID: def.ID, Signals: sigs, Timestamp: ts})
	return nil
}

func (h *Handler) slotLocked(name string) *slot {
	s, ok := h.slots[name]
	if !ok {
		s = &slot{changed: make(chan struct{})}
		h.slots[name] = s
	}
	return s
}

func (h *Handler) store(msg SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.slotLocked(msg.Name)
	s.msg = msg
	s.has = true
	s.seq++
	close(s.changed)
	s.changed = make(chan struct{})
}

// GetLastMessage returns the most recent message called name.
func (h *Handler) GetLastMessage(name string) (SignalMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[name]
	if !ok || !s.has {
		return SignalMessage{}, false
	}
	return s.msg.clone(), true
}

func (h *Handler) GetLastSignal(message, signal string) (float64, bool) {
	msg, ok := h.GetLastMessage(message)
	if !ok {
		return 0, false
	}
	v, ok := msg.Signals[signal]
	return v, ok
}

// WaitForMessage waits up to timeout for a message newer than the one
// cached when it was called. The cached value is left in place either way.
func (h *Handler) WaitForMessage(name string, timeout time.Duration) (SignalMessage, bool) {
	if timeout <= 0 {
		timeout = h.cfg.WaitTimeout
	}
	h.mu.Lock()
	s := h.slotLocked(name)
	seen, changed := s.seq, s.changed
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
		return SignalMessage{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.seq == seen {
		return SignalMessage{}, false
	}
	return s.msg.clone(), true
}

// WaitForSignals waits until the latest message called name carries every
// expected signal value.
func (h *Handler) WaitForSignals(name string, expected map[string]float64, timeout time.Duration) (SignalMessage, bool) {
	if timeout <= 0 {
		timeout = h.cfg.WaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		h.mu.Lock()
		s := h.slotLocked(name)
		msg, has, changed := s.msg, s.has, s.changed
		h.mu.Unlock()
		if has && matches(msg, expected) {
			return msg.clone(), true
		}
		select {
		case <-changed:
		case <-timer.C:
			return SignalMessage{}, false
		}
	}
}

func matches(msg SignalMessage, expected map[string]float64) bool {
	for k, want := range expected {
		if got, ok := msg.Signals[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// SendMessage encodes signals into the named message and sends it with
// the frame id as routing id. String values are sent as the big-endian
// integer of their UTF-8 bytes.
func (h *Handler) SendMessage(name string, signals map[string]any) error {
	def, ok := h.db.ByName(name)
	if !ok {
		return fmt.Errorf("%w: %s is not defined in the signal database", ErrUnknownMessage, name)
	}
	values := make(map[string]float64, len(signals))
	for k, v := range signals {
		f, err := physical(v)
		if err != nil {
			return fmt.Errorf("can: %s.%s: %w", name, k, err)
		}
		values[k] = f
	}
	data, err := def.Encode(values)
	if err != nil {
		return err
	}
	return h.conn.Send(data, connector.WithRemoteID(def.ID))
}

func physical(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, _ := new(big.Float).SetInt(new(big.Int).SetBytes([]byte(x))).Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}
