// Package dut speaks the command/report protocol to a device under test.
package dut

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/observability"
	"github.com/danmuck/benchctl/internal/protocol"
	"github.com/danmuck/benchctl/internal/retry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoPong      = errors.New("dut: ping-pong liveness check failed")
	ErrFlash       = errors.New("dut: flashing failed")
	ErrChannelOpen = errors.New("dut: unable to open channel")
	ErrNoConnector = errors.New("dut: connector required")
)

type Config struct {
	Name         string
	Raw          bool
	PingTimeout  time.Duration
	PingTries    int
	DrainTimeout time.Duration
	AckTimeout   time.Duration
	AckTries     int
	FlashTries   int
	ReportDepth  int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		PingTimeout:  2 * time.Second,
		PingTries:    1,
		DrainTimeout: time.Second,
		AckTimeout:   2 * time.Second,
		AckTries:     2,
		FlashTries:   1,
		ReportDepth:  32,
	}
}

// Inbound is one unsolicited frame from the device: a parsed message, or
// raw bytes when the handler runs in raw mode.
type Inbound struct {
	Message   *protocol.Message
	Raw       []byte
	Timestamp time.Time
}

// Handler implements auxiliary.Handler for a DUT.
type Handler struct {
	cfg     Config
	conn    connector.Connector
	flasher connector.Flasher
	tokens  *protocol.TokenSource

	acks    chan *protocol.Message
	reports chan Inbound
}

func New(cfg Config, conn connector.Connector, flasher connector.Flasher) (*Handler, error) {
	if conn == nil {
		return nil, ErrNoConnector
	}
	d := DefaultConfig(cfg.Name)
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = d.PingTimeout
	}
	if cfg.PingTries <= 0 {
		cfg.PingTries = d.PingTries
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = 0
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = d.AckTimeout
	}
	if cfg.AckTries <= 0 {
		cfg.AckTries = d.AckTries
	}
	if cfg.FlashTries <= 0 {
		cfg.FlashTries = d.FlashTries
	}
	if cfg.ReportDepth <= 0 {
		cfg.ReportDepth = d.ReportDepth
	}
	return &Handler{
		cfg:     cfg,
		conn:    conn,
		flasher: flasher,
		tokens:  &protocol.TokenSource{},
		acks:    make(chan *protocol.Message, 8),
		reports: make(chan Inbound, cfg.ReportDepth),
	}, nil
}

func (h *Handler) Config() Config { return h.cfg }

// NewMessage builds a message using this handler's token source.
func (h *Handler) NewMessage(t protocol.MessageType, sub protocol.SubType, suiteID, caseID uint16, opts ...protocol.Option) *protocol.Message {
	opts = append([]protocol.Option{protocol.WithTokenSource(h.tokens)}, opts...)
	return protocol.New(t, sub, suiteID, caseID, opts...)
}

// CreateInstance flashes the target, opens the channel and confirms
// liveness with a ping. A hard reset of a suspended auxiliary skips the
// flash.
func (h *Handler) CreateInstance(ctx context.Context) error {
	log.Info().Str("aux", h.cfg.Name).Msg("dut: create instance")
	if h.flasher != nil && auxiliary.FromSuspend(ctx) {
		log.Info().Str("aux", h.cfg.Name).Msg("dut: reset from suspend, flash skipped")
	} else if h.flasher != nil {
		log.Info().Str("aux", h.cfg.Name).Msg("dut: flash target")
		res := retry.Do(ctx, retry.Policy{Name: "flash", MaxTries: h.cfg.FlashTries}, func(context.Context, int) error {
			return connector.FlashOnce(h.flasher)
		})
		if !res.OK() {
			return fmt.Errorf("%w: %w", ErrFlash, res.Err)
		}
	}
	if err := h.conn.Open(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}
	if h.cfg.Raw {
		log.Info().Str("aux", h.cfg.Name).Msg("dut: raw mode, liveness check skipped")
		return nil
	}
	if !h.pingPong(ctx, h.cfg.PingTimeout, h.cfg.PingTries) {
		_ = h.conn.Close()
		return ErrNoPong
	}
	return nil
}

func (h *Handler) DeleteInstance() error {
	log.Info().Str("aux", h.cfg.Name).Msg("dut: close instance")
	return h.conn.Close()
}

func (h *Handler) OnSuspend() error {
	log.Info().Str("aux", h.cfg.Name).Msg("dut: suspended")
	return nil
}

// OnResume re-checks liveness without flashing. Both workers are paused
// while it runs, so it reads the connector directly.
func (h *Handler) OnResume(ctx context.Context) error {
	if !h.cfg.Raw && !h.pingPong(ctx, h.cfg.PingTimeout, h.cfg.PingTries) {
		return ErrNoPong
	}
	return nil
}

func (h *Handler) AbortCommand() auxiliary.Command {
	return auxiliary.MessageCommand(h.NewMessage(protocol.TypeCommand, protocol.SubAbort, 0, 0))
}

// RunCommand runs on the transmit worker.
func (h *Handler) RunCommand(ctx context.Context, cmd auxiliary.Command, timeout time.Duration, tries int) bool {
	switch cmd.Kind {
	case auxiliary.KindRaw:
		if err := h.conn.Send(cmd.Raw, cmd.Route.Options()...); err != nil {
			log.Error().Str("aux", h.cfg.Name).Err(err).Msg("dut: raw send failed")
			return false
		}
		return true
	case auxiliary.KindMessage:
		log.Info().Str("aux", h.cfg.Name).Str("request", cmd.Message.String()).Msg("dut: send test request")
		return h.SendAndWaitAck(ctx, cmd.Message, timeout, tries)
	case auxiliary.KindUnknown:
		log.Warn().Str("aux", h.cfg.Name).Str("command", cmd.String()).Msg("dut: unknown command")
	}
	return false
}

// SendAndWaitAck sends msg and waits up to timeout for a matching ack,
// retrying up to tries times. A non-matching response counts as a NACK.
// The receive worker must be running to deliver acks.
func (h *Handler) SendAndWaitAck(ctx context.Context, msg *protocol.Message, timeout time.Duration, tries int) bool {
	h.drainAcks()
	for attempt := 1; attempt <= tries; attempt++ {
		log.Debug().Str("aux", h.cfg.Name).Int("attempt", attempt).Int("tries", tries).Msg("dut: send try")
		if err := h.sendMessage(msg); err != nil {
			log.Error().Str("aux", h.cfg.Name).Err(err).Msg("dut: send failed")
			observability.RecordAttempt(h.cfg.Name, "error")
			continue
		}
		resp, err := h.waitAck(ctx, timeout)
		if err != nil {
			observability.RecordAttempt(h.cfg.Name, "error")
			return false
		}
		if resp == nil {
			observability.RecordAttempt(h.cfg.Name, "timeout")
			continue
		}
		if msg.IsAckMatching(resp) {
			observability.RecordAttempt(h.cfg.Name, "ack")
			log.Info().Str("aux", h.cfg.Name).Str("request", msg.String()).Msg("dut: acknowledged")
			return true
		}
		observability.RecordAttempt(h.cfg.Name, "nack")
		log.Warn().Str("aux", h.cfg.Name).Str("received", resp.String()).Str("request", msg.String()).Msg("dut: response not matching")
	}
	return false
}

func (h *Handler) waitAck(ctx context.Context, timeout time.Duration) (*protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-h.acks:
		return m, nil
	case <-timer.C:
		return nil, nil
	}
}

func (h *Handler) drainAcks() {
	for {
		select {
		case <-h.acks:
		default:
			return
		}
	}
}

func (h *Handler) sendMessage(msg *protocol.Message) error {
	b, err := msg.Serialize()
	if err != nil {
		return err
	}
	return h.conn.Send(b)
}

// pingPong reads the connector directly, so it must only run while the
// receive worker is not polling.
func (h *Handler) pingPong(ctx context.Context, timeout time.Duration, tries int) bool {
	// empty whatever the target sent on boot
	if h.cfg.DrainTimeout > 0 {
		_, _ = h.conn.Receive(h.cfg.DrainTimeout)
	}
	for attempt := 1; attempt <= tries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		log.Info().Str("aux", h.cfg.Name).Int("attempt", attempt).Msg("dut: ping-pong try")
		ping := h.NewMessage(protocol.TypeCommand, protocol.SubPing, 0, 0)
		if err := h.sendMessage(ping); err != nil {
			log.Error().Str("aux", h.cfg.Name).Err(err).Msg("dut: ping send failed")
			continue
		}
		pong := h.receiveDirect(timeout)
		if pong == nil {
			continue
		}
		if ping.IsAckMatching(pong) {
			log.Info().Str("aux", h.cfg.Name).Msg("dut: ping-pong succeeded")
			return true
		}
		log.Warn().Str("aux", h.cfg.Name).Str("received", pong.String()).Str("ping", ping.String()).Msg("dut: pong not matching")
	}
	return false
}

func (h *Handler) receiveDirect(timeout time.Duration) *protocol.Message {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		r, err := h.conn.Receive(remaining)
		if err != nil {
			log.Warn().Str("aux", h.cfg.Name).Err(err).Msg("dut: receive failed")
			return nil
		}
		if r.Empty() {
			return nil
		}
		msg, err := protocol.Parse(r.Payload)
		if err != nil {
			log.Warn().Str("aux", h.cfg.Name).Err(err).Msg("dut: undecodable frame dropped")
			continue
		}
		return msg
	}
}

// Receive runs on the receive worker. Acks are routed to the waiting
// command; everything else is acknowledged and queued as a report.
func (h *Handler) Receive(_ context.Context, timeout time.Duration) error {
	r, err := h.conn.Receive(timeout)
	if err != nil {
		return err
	}
	if r.Empty() {
		return nil
	}
	if h.cfg.Raw {
		h.queueReport(Inbound{Raw: r.Payload, Timestamp: r.Timestamp})
		return nil
	}
	msg, err := protocol.Parse(r.Payload)
	if err != nil {
		log.Warn().Str("aux", h.cfg.Name).Err(err).Msg("dut: undecodable frame dropped")
		return nil
	}
	if msg.Type == protocol.TypeAck {
		select {
		case h.acks <- msg:
		default:
			log.Warn().Str("aux", h.cfg.Name).Str("ack", msg.String()).Msg("dut: ack buffer full, dropped")
		}
		return nil
	}
	ack, err := msg.GenerateAck(protocol.SubAck)
	if err == nil {
		if err := h.sendMessage(ack); err != nil {
			log.Warn().Str("aux", h.cfg.Name).Err(err).Msg("dut: auto-ack failed")
		}
	}
	h.queueReport(Inbound{Message: msg, Timestamp: r.Timestamp})
	return nil
}

func (h *Handler) queueReport(in Inbound) {
	for {
		select {
		case h.reports <- in:
			return
		default:
		}
		select {
		case old := <-h.reports:
			log.Warn().Str("aux", h.cfg.Name).Time("at", old.Timestamp).Msg("dut: report buffer full, oldest dropped")
		default:
		}
	}
}

// ReceiveMessage returns the next report from the device, waiting up to
// timeout. ok is false when nothing arrived.
func (h *Handler) ReceiveMessage(timeout time.Duration) (Inbound, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-h.reports:
		return in, true
	case <-timer.C:
		return Inbound{}, false
	}
}
