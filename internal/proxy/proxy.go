package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrPhysicalNotOpen = errors.New("proxy: physical connector not open")
	ErrDuplicateName   = errors.New("proxy: virtual connector name already attached")
)

const DefaultInboundDepth = 64

// Filter selects the inbound frames a virtual connector observes. A nil
// Filter accepts everything.
type Filter func(connector.Received) bool

// RemoteIDs accepts frames whose remote id is one of ids. Frames carrying
// no remote id are accepted.
func RemoteIDs(ids ...uint32) Filter {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(r connector.Received) bool {
		if !r.HasRemoteID {
			return true
		}
		_, ok := set[r.RemoteID]
		return ok
	}
}

// Multiplexer implements auxiliary.Handler over one physical connector.
type Multiplexer struct {
	name         string
	physical     connector.Connector
	inboundDepth int

	sendMu sync.Mutex

	mu       sync.RWMutex
	open     bool
	channels []*VirtualConnector
}

func New(name string, physical connector.Connector, inboundDepth int) *Multiplexer {
	if inboundDepth <= 0 {
		inboundDepth = DefaultInboundDepth
	}
	return &Multiplexer{name: name, physical: physical, inboundDepth: inboundDepth}
}

func (m *Multiplexer) Name() string { return m.name }

func (m *Multiplexer) Physical() connector.Connector { return m.physical }

// Attach registers a new virtual connector.
func (m *Multiplexer) Attach(name string, filter Filter) (*VirtualConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	vc := &VirtualConnector{
		name:   name,
		mux:    m,
		filter: filter,
		inbox:  make(chan connector.Received, m.inboundDepth),
	}
	m.channels = append(m.channels, vc)
	return vc, nil
}

func (m *Multiplexer) Channels() []*VirtualConnector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*VirtualConnector(nil), m.channels...)
}

func (m *Multiplexer) isOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

func (m *Multiplexer) CreateInstance(context.Context) error {
	if err := m.physical.Open(); err != nil {
		log.Error().Str("proxy", m.name).Str("connector", m.physical.Name()).Err(err).Msg("proxy: physical open failed")
		return fmt.Errorf("%w: %w", ErrPhysicalNotOpen, err)
	}
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	log.Info().Str("proxy", m.name).Int("channels", len(m.Channels())).Msg("proxy: physical connector open")
	return nil
}

func (m *Multiplexer) DeleteInstance() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.physical.Close()
}

// RunCommand forwards raw or serialized commands to the physical
// connector under the send lock.
func (m *Multiplexer) RunCommand(_ context.Context, cmd auxiliary.Command, _ time.Duration, _ int) bool {
	var (
		payload []byte
		opts    []connector.SendOption
	)
	switch cmd.Kind {
	case auxiliary.KindRaw:
		payload, opts = cmd.Raw, cmd.Route.Options()
	case auxiliary.KindMessage:
		b, err := cmd.Message.Serialize()
		if err != nil {
			log.Error().Str("proxy", m.name).Err(err).Msg("proxy: serialize command")
			return false
		}
		payload = b
	case auxiliary.KindUnknown:
		log.Warn().Str("proxy", m.name).Str("command", cmd.String()).Msg("proxy: unknown command ignored")
		return false
	}
	if err := m.send("", payload, opts); err != nil {
		log.Error().Str("proxy", m.name).Err(err).Msg("proxy: send failed")
		return false
	}
	return true
}

// Receive polls the physical connector once and fans the frame out.
func (m *Multiplexer) Receive(_ context.Context, timeout time.Duration) error {
	if !m.isOpen() {
		return ErrPhysicalNotOpen
	}
	r, err := m.physical.Receive(timeout)
	if err != nil {
		return err
	}
	if r.Empty() {
		return nil
	}
	observability.RecordProxyFrame(m.name, "rx")
	delivered := 0
	for _, ch := range m.Channels() {
		if ch.accepts(r) {
			ch.deliver(r)
			delivered++
		}
	}
	log.Trace().Str("proxy", m.name).Int("len", len(r.Payload)).Int("delivered", delivered).Msg("proxy: frame fanned out")
	return nil
}

func (m *Multiplexer) send(from string, payload []byte, opts []connector.SendOption) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if !m.isOpen() {
		return ErrPhysicalNotOpen
	}
	if err := m.physical.Send(payload, opts...); err != nil {
		return err
	}
	observability.RecordProxyFrame(m.name, "tx")
	log.Trace().Str("proxy", m.name).Str("from", from).Int("len", len(payload)).Msg("proxy: frame sent")
	return nil
}
