package uds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/isotp"
	"github.com/danmuck/benchctl/internal/observability"
	"github.com/danmuck/benchctl/internal/odx"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoConnector = errors.New("uds: connector required")
	ErrNoResolver  = errors.New("uds: symbolic callback without resolver")
	ErrNoRequest   = errors.New("uds: callback without request")

	ErrFlowControlTimeout = errors.New("uds: no flow control from tester")
	ErrFlowOverflow       = errors.New("uds: tester reported overflow")
	ErrTooManyWaits       = errors.New("uds: tester sent too many wait frames")
)

const (
	DefaultFlowControlTimeout = time.Second
	DefaultMaxWaits           = 8
)

type Config struct {
	Name string
	// RequestID is the routing id responses are sent with. ResponseID
	// filters inbound frames; zero accepts every frame.
	RequestID  uint32
	ResponseID uint32
	FrameSize  int
	// BlockSize and STmin are advertised in flow-control frames; STmin
	// is in milliseconds.
	BlockSize uint8
	STmin     float64
	// TxSeparation is the minimum gap between consecutive frames of a
	// response. The tester's STmin wins when it is larger.
	TxSeparation time.Duration
	// FlowControlTimeout bounds each wait for the tester's flow control
	// during a segmented response. MaxWaits caps the WAIT frames accepted
	// in a row.
	FlowControlTimeout time.Duration
	MaxWaits           int
	// MaxPayload bounds segmented requests and responses; zero means
	// isotp.DefaultMaxPayload.
	MaxPayload int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FrameSize:          isotp.FDFrameSize,
		FlowControlTimeout: DefaultFlowControlTimeout,
		MaxWaits:           DefaultMaxWaits,
	}
}

// Server implements auxiliary.Handler.
type Server struct {
	cfg      Config
	conn     connector.Connector
	resolver odx.Resolver
	encoder  *isotp.Encoder

	rxMu sync.Mutex
	rx   isotp.Reassembler

	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*Callback
	byKey   map[string]uint64
	byName  map[string]uint64
}

// New builds a server. resolver may be nil when no symbolic callbacks are
// registered.
func New(cfg Config, conn connector.Connector, resolver odx.Resolver) (*Server, error) {
	if conn == nil {
		return nil, ErrNoConnector
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = isotp.FDFrameSize
	}
	if cfg.FlowControlTimeout <= 0 {
		cfg.FlowControlTimeout = DefaultFlowControlTimeout
	}
	if cfg.MaxWaits <= 0 {
		cfg.MaxWaits = DefaultMaxWaits
	}
	enc, err := isotp.NewEncoder(cfg.FrameSize)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPayload > 0 {
		enc.Limits = isotp.Limits{MaxPayload: cfg.MaxPayload}
	}
	if _, err := isotp.EncodeSTmin(cfg.STmin); err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		conn:     conn,
		resolver: resolver,
		encoder:  enc,
		rx:       isotp.Reassembler{Limits: enc.Limits},
		entries:  make(map[uint64]*Callback),
		byKey:    make(map[string]uint64),
		byName:   make(map[string]uint64),
	}, nil
}

func (s *Server) Config() Config { return s.cfg }

func (s *Server) CreateInstance(context.Context) error {
	if err := s.conn.Open(); err != nil {
		return err
	}
	s.rxMu.Lock()
	s.rx.Reset()
	s.rxMu.Unlock()
	log.Info().Str("aux", s.cfg.Name).Uint32("request_id", s.cfg.RequestID).Uint32("response_id", s.cfg.ResponseID).Msg("uds: server ready")
	return nil
}

func (s *Server) DeleteInstance() error {
	return s.conn.Close()
}

// RunCommand transmits raw frames; the server has no structured commands.
func (s *Server) RunCommand(_ context.Context, cmd auxiliary.Command, _ time.Duration, _ int) bool {
	if cmd.Kind != auxiliary.KindRaw {
		log.Warn().Str("aux", s.cfg.Name).Str("command", cmd.String()).Msg("uds: only raw commands are supported")
		return false
	}
	if err := s.Transmit(cmd.Raw, cmd.Route.Options()...); err != nil {
		log.Error().Str("aux", s.cfg.Name).Err(err).Msg("uds: transmit failed")
		return false
	}
	return true
}

// Receive is one poll of the receive worker.
func (s *Server) Receive(_ context.Context, timeout time.Duration) error {
	return s.receiveMessage(timeout)
}

// Transmit pads data and sends it, routed to RequestID unless opts carry
// a remote id.
func (s *Server) Transmit(data []byte, opts ...connector.SendOption) error {
	o := connector.ApplySendOptions(opts)
	if !o.HasRemoteID {
		opts = append(opts, connector.WithRemoteID(s.cfg.RequestID))
	}
	return s.conn.Send(isotp.PadMessage(data), opts...)
}

// ReceiveFrame returns the next raw frame addressed to ResponseID, or nil
// once timeout elapses. It must not be called while the receive worker
// runs, except from a callback handler, which runs on the worker.
func (s *Server) ReceiveFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		r, err := s.conn.Receive(max(time.Until(deadline), 0))
		if err != nil {
			return nil, err
		}
		if !r.Empty() && s.accepts(r) {
			return r.Payload, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func (s *Server) accepts(r connector.Received) bool {
	return s.cfg.ResponseID == 0 || (r.HasRemoteID && r.RemoteID == s.cfg.ResponseID)
}

// SendResponse segments payload and transmits it. After the first frame of
// a segmented response it waits for the tester's flow control, then sends
// consecutive frames in blocks of the granted size, spaced by the granted
// STmin. Flow control is read straight from the connector, so SendResponse
// must run on the receive worker (as callbacks do) or while it is stopped.
func (s *Server) SendResponse(payload []byte) error {
	frames, err := s.encoder.Encode(payload)
	if err != nil {
		return err
	}
	if err := s.Transmit(frames[0]); err != nil {
		return fmt.Errorf("uds: frame 1/%d: %w", len(frames), err)
	}
	next := 1
	for next < len(frames) {
		bs, stmin, err := s.awaitFlowControl()
		if err != nil {
			observability.RecordUDSRequest(s.cfg.Name, "flow_aborted")
			return fmt.Errorf("uds: after frame %d/%d: %w", next, len(frames), err)
		}
		block := len(frames) - next
		if bs > 0 {
			block = min(block, int(bs))
		}
		gap := max(time.Duration(stmin*float64(time.Millisecond)), s.cfg.TxSeparation)
		for i := 0; i < block; i++ {
			if i > 0 && gap > 0 {
				time.Sleep(gap)
			}
			if err := s.Transmit(frames[next]); err != nil {
				return fmt.Errorf("uds: frame %d/%d: %w", next+1, len(frames), err)
			}
			next++
		}
	}
	return nil
}

// awaitFlowControl blocks until the tester grants the next block and
// returns its block size and STmin. WAIT restarts the timeout.
func (s *Server) awaitFlowControl() (uint8, float64, error) {
	waits := 0
	deadline := time.Now().Add(s.cfg.FlowControlTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, 0, ErrFlowControlTimeout
		}
		r, err := s.conn.Receive(remaining)
		if err != nil {
			return 0, 0, err
		}
		if r.Empty() || !s.accepts(r) {
			continue
		}
		fs, bs, stmin, err := isotp.ParseFlowControl(r.Payload)
		if err != nil {
			log.Warn().Str("aux", s.cfg.Name).Err(err).Hex("frame", r.Payload).Msg("uds: frame dropped while awaiting flow control")
			continue
		}
		switch fs {
		case isotp.ContinueToSend:
			return bs, stmin, nil
		case isotp.Wait:
			waits++
			if waits > s.cfg.MaxWaits {
				return 0, 0, ErrTooManyWaits
			}
			deadline = time.Now().Add(s.cfg.FlowControlTimeout)
		case isotp.Overflow:
			return 0, 0, ErrFlowOverflow
		}
	}
}

// SendFlowControl transmits [0x30|fs, bs, stmin].
func (s *Server) SendFlowControl(fs isotp.FlowStatus, blockSize uint8, stminMs float64) error {
	fc, err := isotp.FlowControlFrame(fs, blockSize, stminMs)
	if err != nil {
		return err
	}
	return s.Transmit(fc)
}

func (s *Server) receiveMessage(timeout time.Duration) error {
	r, err := s.conn.Receive(timeout)
	if err != nil {
		return err
	}
	if r.Empty() || !s.accepts(r) {
		return nil
	}

	s.rxMu.Lock()
	res, err := s.rx.Feed(r.Payload)
	s.rxMu.Unlock()
	if err != nil && res.Type == isotp.FirstFrame && errors.Is(err, isotp.ErrPayloadTooLarge) {
		observability.RecordUDSRequest(s.cfg.Name, "overflow")
		log.Warn().Str("aux", s.cfg.Name).Err(err).Msg("uds: request too large")
		if err := s.SendFlowControl(isotp.Overflow, 0, 0); err != nil {
			log.Error().Str("aux", s.cfg.Name).Err(err).Msg("uds: flow control failed")
		}
		return nil
	}
	if err != nil {
		observability.RecordUDSRequest(s.cfg.Name, "decode_error")
		log.Error().Str("aux", s.cfg.Name).Err(err).Hex("frame", r.Payload).Msg("uds: frame dropped")
		return nil
	}
	switch {
	case res.Type == isotp.FirstFrame:
		if err := s.SendFlowControl(isotp.ContinueToSend, s.cfg.BlockSize, s.cfg.STmin); err != nil {
			log.Error().Str("aux", s.cfg.Name).Err(err).Msg("uds: flow control failed")
		}
	case res.Type == isotp.FlowControl:
		log.Debug().Str("aux", s.cfg.Name).Uint8("fs", uint8(res.FlowStatus)).Msg("uds: flow control outside a response ignored")
	case res.Complete:
		s.Dispatch(res.Payload)
	}
	return nil
}

// Dispatch runs the callback registered for request: the exact hex key
// first, then the longest registered request that prefixes it.
func (s *Server) Dispatch(request []byte) bool {
	cb := s.lookup(request)
	if cb == nil {
		observability.RecordUDSRequest(s.cfg.Name, "unmatched")
		log.Warn().Str("aux", s.cfg.Name).Str("request", HexKey(request)).Msg("uds: Unregistered request received")
		return false
	}
	observability.RecordUDSRequest(s.cfg.Name, "matched")
	log.Debug().Str("aux", s.cfg.Name).Str("callback", cb.String()).Msg("uds: dispatch")
	if cb.Handler != nil {
		cb.Handler(request, s)
		return true
	}
	if err := s.SendResponse(cb.Response); err != nil {
		log.Error().Str("aux", s.cfg.Name).Err(err).Str("callback", cb.String()).Msg("uds: response failed")
	}
	return true
}

func (s *Server) lookup(request []byte) *Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[HexKey(request)]; ok {
		c := s.entries[id].clone()
		return &c
	}
	var best *Callback
	for _, cb := range s.entries {
		if len(cb.Request) > len(request) || (best != nil && len(cb.Request) <= len(best.Request)) {
			continue
		}
		if string(request[:len(cb.Request)]) == string(cb.Request) {
			best = cb
		}
	}
	if best == nil {
		return nil
	}
	c := best.clone()
	return &c
}

// CallbackOption configures RegisterCallback.
type CallbackOption func(*callbackConfig)

type callbackConfig struct {
	response     []byte
	responseData []byte
	dataLength   int
	symbolic     *SymbolicResponse
	handler      func([]byte, *Server)
}

func WithResponse(resp []byte) CallbackOption {
	return func(c *callbackConfig) { c.response = append([]byte(nil), resp...) }
}

// WithResponseData appends data to the derived positive response, zero
// padded to length bytes.
func WithResponseData(data []byte, length int) CallbackOption {
	return func(c *callbackConfig) {
		c.responseData = append([]byte(nil), data...)
		c.dataLength = length
	}
}

func WithSymbolicResponse(r SymbolicResponse) CallbackOption {
	return func(c *callbackConfig) { c.symbolic = &r }
}

func WithNegativeResponse(nrc byte) CallbackOption {
	return func(c *callbackConfig) { c.symbolic = Negative(nrc) }
}

func WithHandler(fn func(request []byte, srv *Server)) CallbackOption {
	return func(c *callbackConfig) { c.handler = fn }
}

// RegisterCallback registers a callback for request, which may be raw
// bytes, an integer, a hex string, a SymbolicRequest or a Callback. A
// symbolic request or response also registers the "<Service>.<Parameter>"
// alias. Registering an existing key replaces the old callback.
func (s *Server) RegisterCallback(request any, opts ...CallbackOption) (*Callback, error) {
	var co callbackConfig
	for _, opt := range opts {
		opt(&co)
	}

	var cb *Callback
	switch req := request.(type) {
	case Callback:
		c := req.clone()
		cb = &c
	case *Callback:
		if req == nil {
			return nil, ErrNoRequest
		}
		c := req.clone()
		cb = &c
	case SymbolicRequest:
		derived, err := s.fromSymbolic(&req, nil, co.symbolic)
		if err != nil {
			return nil, err
		}
		cb = derived
	default:
		raw, err := requestBytes(request)
		if err != nil {
			return nil, err
		}
		if co.symbolic != nil {
			derived, err := s.fromSymbolic(nil, raw, co.symbolic)
			if err != nil {
				return nil, err
			}
			cb = derived
		} else {
			cb = &Callback{Request: raw}
		}
	}
	if len(cb.Request) == 0 {
		return nil, ErrNoRequest
	}
	if co.response != nil {
		cb.Response = co.response
	}
	if co.responseData != nil || co.dataLength > 0 {
		cb.ResponseData = co.responseData
		cb.DataLength = co.dataLength
	}
	if co.handler != nil {
		cb.Handler = co.handler
	}
	cb.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[cb.Key()]; ok {
		s.removeLocked(id)
	}
	if cb.Name != "" {
		if id, ok := s.byName[cb.Name]; ok {
			s.removeLocked(id)
		}
	}
	s.nextID++
	id := s.nextID
	s.entries[id] = cb
	s.byKey[cb.Key()] = id
	if cb.Name != "" {
		s.byName[cb.Name] = id
	}
	log.Debug().Str("aux", s.cfg.Name).Str("callback", cb.String()).Msg("uds: callback registered")
	out := cb.clone()
	return &out, nil
}

// UnregisterCallback removes the callback addressed by raw bytes, an
// integer, a hex string or its symbolic name, together with its aliases.
func (s *Server) UnregisterCallback(key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolveKeyLocked(key)
	if !ok {
		log.Error().Str("aux", s.cfg.Name).Interface("key", key).Msg("uds: Could not unregister callback")
		return false
	}
	s.removeLocked(id)
	return true
}

func (s *Server) resolveKeyLocked(key any) (uint64, bool) {
	if name, ok := key.(string); ok {
		if id, ok := s.byName[name]; ok {
			return id, true
		}
	}
	raw, err := requestBytes(key)
	if err != nil {
		return 0, false
	}
	id, ok := s.byKey[HexKey(raw)]
	return id, ok
}

func (s *Server) removeLocked(id uint64) {
	cb, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	delete(s.byKey, cb.Key())
	if cb.Name != "" {
		delete(s.byName, cb.Name)
	}
}

// Lookup returns the callback stored under a hex key or symbolic name.
func (s *Server) Lookup(key string) (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		id, ok = s.byName[key]
	}
	if !ok {
		return Callback{}, false
	}
	return s.entries[id].clone(), true
}

// Callbacks returns every key, hex and symbolic, with its callback.
func (s *Server) Callbacks() map[string]Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Callback, len(s.byKey)+len(s.byName))
	for k, id := range s.byKey {
		out[k] = s.entries[id].clone()
	}
	for k, id := range s.byName {
		out[k] = s.entries[id].clone()
	}
	return out
}

// Keys lists the dispatch keys, sorted.
func (s *Server) Keys() []string {
	m := s.Callbacks()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
