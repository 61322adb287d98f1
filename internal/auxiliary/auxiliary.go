package auxiliary

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/benchctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrCreation          = errors.New("auxiliary: instance creation failed")
	ErrInvalidTransition = errors.New("auxiliary: invalid state transition")
	ErrUnknownCommand    = errors.New("auxiliary: unknown command")
	ErrInvalidPolicy     = errors.New("auxiliary: timeout and tries must be positive")
	ErrAbortUnsupported  = errors.New("auxiliary: handler does not support abort")
)

// Handler is the device-specific half of an auxiliary.
type Handler interface {
	// CreateInstance acquires the transport. A returned error leaves the
	// auxiliary STOPPED.
	CreateInstance(ctx context.Context) error
	DeleteInstance() error
	// RunCommand runs one command on the transmit worker and reports
	// whether it was acknowledged.
	RunCommand(ctx context.Context, cmd Command, timeout time.Duration, tries int) bool
	// Receive performs one poll bounded by timeout.
	Receive(ctx context.Context, timeout time.Duration) error
}

// Suspender is implemented by handlers that act on suspend/resume.
type Suspender interface {
	OnSuspend() error
	OnResume(ctx context.Context) error
}

// Aborter is implemented by handlers that can build a soft abort command.
type Aborter interface {
	AbortCommand() Command
}

type Config struct {
	Name           string
	QueueDepth     int
	ReceiveTimeout time.Duration
	ErrorBackoff   time.Duration
	CreateTimeout  time.Duration
	AbortTimeout   time.Duration
	AbortTries     int
	DisableRx      bool
	DisableTx      bool
}

func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		QueueDepth:     16,
		ReceiveTimeout: 100 * time.Millisecond,
		ErrorBackoff:   100 * time.Millisecond,
		CreateTimeout:  60 * time.Second,
		AbortTimeout:   2 * time.Second,
		AbortTries:     2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = c.ReceiveTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = d.CreateTimeout
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = d.AbortTimeout
	}
	if c.AbortTries <= 0 {
		c.AbortTries = d.AbortTries
	}
	return c
}

type request struct {
	id        uint64
	cmd       Command
	timeout   time.Duration
	tries     int
	done      chan bool
	abandoned atomic.Bool
}

func (r *request) finish(ok bool) {
	select {
	case r.done <- ok:
	default:
	}
}

// Auxiliary drives a Handler through its lifecycle.
type Auxiliary struct {
	cfg     Config
	handler Handler
	id      string

	lifecycle sync.Mutex
	state     atomic.Int32
	created   bool

	queue   chan *request
	gate    *pauseGate
	stop    chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	pending *PendingTable
	seq     atomic.Uint64
}

func New(cfg Config, h Handler) *Auxiliary {
	cfg = cfg.withDefaults()
	return &Auxiliary{
		cfg:     cfg,
		handler: h,
		id:      uuid.NewString(),
		queue:   make(chan *request, cfg.QueueDepth),
		gate:    newPauseGate(),
		pending: NewPendingTable(),
	}
}

func (a *Auxiliary) Name() string     { return a.cfg.Name }
func (a *Auxiliary) ID() string       { return a.id }
func (a *Auxiliary) Handler() Handler { return a.handler }
func (a *Auxiliary) State() State     { return State(a.state.Load()) }
func (a *Auxiliary) setState(s State) { a.state.Store(int32(s)) }
func (a *Auxiliary) QueueDepth() int  { return len(a.queue) }

func (a *Auxiliary) Pending() []PendingRequest {
	return a.pending.List()
}

// Create acquires the handler instance and starts both workers.
func (a *Auxiliary) Create() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if s := a.State(); s != StateStopped {
		return fmt.Errorf("%w: create from %s", ErrInvalidTransition, s)
	}
	return a.createLocked(false)
}

type fromSuspendKey struct{}

// FromSuspend reports whether CreateInstance runs as the second half of
// a hard reset issued while the auxiliary was SUSPENDED.
func FromSuspend(ctx context.Context) bool {
	v, _ := ctx.Value(fromSuspendKey{}).(bool)
	return v
}

func (a *Auxiliary) createLocked(fromSuspend bool) error {
	a.setState(StateStarting)
	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), fromSuspendKey{}, fromSuspend), a.cfg.CreateTimeout)
	defer cancel()
	err := a.guard("create", func() error { return a.handler.CreateInstance(ctx) })
	if err != nil {
		a.setState(StateStopped)
		log.Error().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: instance creation failed")
		return fmt.Errorf("%w: %s: %w", ErrCreation, a.cfg.Name, err)
	}
	a.created = true
	a.startLocked()
	log.Info().Str("aux", a.cfg.Name).Msg("auxiliary: created")
	return nil
}

// Start spawns the workers, creating the instance first if needed.
func (a *Auxiliary) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if s := a.State(); s != StateStopped {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s)
	}
	if !a.created {
		return a.createLocked(false)
	}
	a.setState(StateStarting)
	a.startLocked()
	return nil
}

func (a *Auxiliary) startLocked() {
	a.stop = make(chan struct{})
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.gate = newPauseGate()
	if !a.cfg.DisableTx {
		a.wg.Add(1)
		go a.txLoop(a.ctx, a.stop, a.gate)
	}
	if !a.cfg.DisableRx {
		a.wg.Add(1)
		go a.rxLoop(a.ctx, a.stop, a.gate)
	}
	a.setState(StateRunning)
}

// Stop joins both workers. The instance stays acquired.
func (a *Auxiliary) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.stopLocked()
	return nil
}

func (a *Auxiliary) stopLocked() {
	s := a.State()
	if s != StateRunning && s != StateSuspended {
		return
	}
	a.setState(StateStopping)
	close(a.stop)
	a.cancel()
	a.wg.Wait()
	a.failQueued()
	a.setState(StateStopped)
	log.Info().Str("aux", a.cfg.Name).Msg("auxiliary: stopped")
}

// failQueued completes every command still queued once no worker will
// run it.
func (a *Auxiliary) failQueued() {
	for {
		select {
		case req := <-a.queue:
			req.finish(false)
		default:
			return
		}
	}
}

// Delete stops the workers and releases the instance.
func (a *Auxiliary) Delete() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	return a.deleteLocked()
}

func (a *Auxiliary) deleteLocked() error {
	a.stopLocked()
	if !a.created {
		return nil
	}
	a.created = false
	if err := a.guard("delete", a.handler.DeleteInstance); err != nil {
		log.Warn().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: delete instance failed")
		return err
	}
	log.Info().Str("aux", a.cfg.Name).Msg("auxiliary: deleted")
	return nil
}

// Suspend pauses both workers after their current iteration. Queued
// commands and the transport are kept.
func (a *Auxiliary) Suspend() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if s := a.State(); s != StateRunning {
		return fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, s)
	}
	a.gate.pause()
	if s, ok := a.handler.(Suspender); ok {
		if err := a.guard("suspend", s.OnSuspend); err != nil {
			log.Warn().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: suspend hook failed")
		}
	}
	a.setState(StateSuspended)
	log.Info().Str("aux", a.cfg.Name).Msg("auxiliary: suspended")
	return nil
}

func (a *Auxiliary) Resume() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if s := a.State(); s != StateSuspended {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s)
	}
	if s, ok := a.handler.(Suspender); ok {
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.CreateTimeout)
		defer cancel()
		if err := a.guard("resume", func() error { return s.OnResume(ctx) }); err != nil {
			log.Error().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: resume hook failed")
			return err
		}
	}
	a.gate.resume()
	a.setState(StateRunning)
	log.Info().Str("aux", a.cfg.Name).Msg("auxiliary: resumed")
	return nil
}

// RunCommand queues cmd and blocks until the handler reports a result or
// timeout*tries elapses. The error is reserved for contract violations;
// an unacknowledged command is (false, nil).
func (a *Auxiliary) RunCommand(cmd Command, timeout time.Duration, tries int) (bool, error) {
	if !cmd.valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	if timeout <= 0 || tries <= 0 {
		return false, fmt.Errorf("%w: timeout=%s tries=%d", ErrInvalidPolicy, timeout, tries)
	}
	if s := a.State(); s != StateRunning && s != StateSuspended {
		log.Warn().Str("aux", a.cfg.Name).Str("state", s.String()).Msg("auxiliary: command rejected, not running")
		return false, nil
	}

	start := time.Now()
	wait := timeout * time.Duration(tries)
	req := &request{
		id:      a.seq.Add(1),
		cmd:     cmd,
		timeout: timeout,
		tries:   tries,
		done:    make(chan bool, 1),
	}
	a.pending.Upsert(PendingRequest{
		ID:         req.id,
		Command:    cmd.String(),
		QueuedAt:   start,
		DeadlineAt: start.Add(wait),
	})
	defer a.pending.Remove(req.id)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case a.queue <- req:
	case <-timer.C:
		log.Warn().Str("aux", a.cfg.Name).Uint64("request", req.id).Msg("auxiliary: command queue full until deadline")
		observability.RecordCommand(a.cfg.Name, false, time.Since(start))
		return false, nil
	}

	select {
	case ok := <-req.done:
		observability.RecordCommand(a.cfg.Name, ok, time.Since(start))
		return ok, nil
	case <-timer.C:
		req.abandoned.Store(true)
		log.Warn().Str("aux", a.cfg.Name).Uint64("request", req.id).Dur("waited", wait).Msg("auxiliary: command timed out")
		observability.RecordCommand(a.cfg.Name, false, time.Since(start))
		return false, nil
	}
}

// Abort sends the handler's soft abort. When it is not acknowledged the
// instance is deleted and recreated. The bool reports the soft abort.
func (a *Auxiliary) Abort() (bool, error) {
	ab, ok := a.handler.(Aborter)
	if !ok {
		return false, ErrAbortUnsupported
	}
	acked, err := a.RunCommand(ab.AbortCommand(), a.cfg.AbortTimeout, a.cfg.AbortTries)
	if err != nil || acked {
		return acked, err
	}
	log.Warn().Str("aux", a.cfg.Name).Msg("auxiliary: abort not acknowledged, hard reset")
	return false, a.HardReset()
}

// HardReset deletes and recreates the instance. When issued from
// SUSPENDED the handler sees FromSuspend(ctx) during creation.
func (a *Auxiliary) HardReset() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	fromSuspend := a.State() == StateSuspended
	if err := a.deleteLocked(); err != nil {
		log.Warn().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: delete during hard reset failed")
	}
	return a.createLocked(fromSuspend)
}

func (a *Auxiliary) txLoop(ctx context.Context, stop <-chan struct{}, gate *pauseGate) {
	defer a.wg.Done()
	for {
		select {
		case <-stop:
			return
		case req := <-a.queue:
			if !gate.enter(stop) {
				req.finish(false)
				return
			}
			a.execute(ctx, req)
			gate.exit()
		}
	}
}

func (a *Auxiliary) execute(ctx context.Context, req *request) {
	if req.abandoned.Load() {
		log.Debug().Str("aux", a.cfg.Name).Uint64("request", req.id).Msg("auxiliary: skipping abandoned command")
		return
	}
	a.pending.MarkStarted(req.id, time.Now())
	ok := false
	err := a.guard("run_command", func() error {
		ok = a.handler.RunCommand(ctx, req.cmd, req.timeout, req.tries)
		return nil
	})
	if err != nil {
		a.pending.MarkError(req.id, err.Error())
		ok = false
	}
	req.finish(ok)
}

func (a *Auxiliary) rxLoop(ctx context.Context, stop <-chan struct{}, gate *pauseGate) {
	defer a.wg.Done()
	for {
		if !gate.enter(stop) {
			return
		}
		err := a.guard("receive", func() error { return a.handler.Receive(ctx, a.cfg.ReceiveTimeout) })
		gate.exit()
		if err == nil {
			continue
		}
		log.Warn().Str("aux", a.cfg.Name).Err(err).Msg("auxiliary: receive failed")
		timer := time.NewTimer(a.cfg.ErrorBackoff)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// guard runs fn and converts a panic into an error so one bad iteration
// cannot take a worker down.
func (a *Auxiliary) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("aux", a.cfg.Name).
				Str("op", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("auxiliary: recovered panic")
			err = fmt.Errorf("auxiliary: %s panicked: %v", op, r)
		}
	}()
	return fn()
}
