package dut

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/protocol"
	"github.com/danmuck/benchctl/internal/testutil/testlog"
)

// device answers commands on the far end of a loopback pair.
type device struct {
	end     *connector.Loopback
	respond func(attempt int, req *protocol.Message) *protocol.Message

	mu       sync.Mutex
	commands map[protocol.SubType]int
	acks     []*protocol.Message

	stop chan struct{}
	done chan struct{}
}

func newDevice(end *connector.Loopback, respond func(int, *protocol.Message) *protocol.Message) *device {
	return &device{
		end:      end,
		respond:  respond,
		commands: make(map[protocol.SubType]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func ackAlways(_ int, req *protocol.Message) *protocol.Message {
	ack, _ := req.GenerateAck(protocol.SubAck)
	return ack
}

func (d *device) run(t *testing.T) {
	t.Helper()
	if err := d.end.Open(); err != nil {
		t.Fatalf("device open: %v", err)
	}
	go func() {
		defer close(d.done)
		for {
			select {
			case <-d.stop:
				return
			default:
			}
			r, err := d.end.Receive(10 * time.Millisecond)
			if err != nil || r.Empty() {
				continue
			}
			msg, err := protocol.Parse(r.Payload)
			if err != nil {
				continue
			}
			d.mu.Lock()
			if msg.Type == protocol.TypeAck {
				d.acks = append(d.acks, msg)
				d.mu.Unlock()
				continue
			}
			d.commands[msg.SubType]++
			attempt := d.commands[msg.SubType]
			d.mu.Unlock()
			if reply := d.respond(attempt, msg); reply != nil {
				b, _ := reply.Serialize()
				_ = d.end.Send(b)
			}
		}
	}()
	t.Cleanup(func() {
		close(d.stop)
		<-d.done
	})
}

func (d *device) count(sub protocol.SubType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[sub]
}

func (d *device) ackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.acks)
}

func (d *device) push(t *testing.T, m *protocol.Message) {
	t.Helper()
	b, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := d.end.Send(b); err != nil {
		t.Fatalf("device send: %v", err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig("dut")
	cfg.PingTimeout = 200 * time.Millisecond
	cfg.DrainTimeout = 10 * time.Millisecond
	cfg.AckTimeout = 100 * time.Millisecond
	return cfg
}

func startDUT(t *testing.T, cfg Config, respond func(int, *protocol.Message) *protocol.Message, flasher connector.Flasher) (*auxiliary.Auxiliary, *Handler, *device) {
	t.Helper()
	host, target := connector.NewLoopbackPair("host", "target", 32)
	dev := newDevice(target, respond)
	dev.run(t)
	h, err := New(cfg, host, flasher)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	auxCfg := auxiliary.DefaultConfig(cfg.Name)
	auxCfg.ReceiveTimeout = 10 * time.Millisecond
	aux := auxiliary.New(auxCfg, h)
	return aux, h, dev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreatePingPong(t *testing.T) {
	testlog.Start(t)

	aux, _, dev := startDUT(t, testConfig(), ackAlways, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()
	if aux.State() != auxiliary.StateRunning {
		t.Fatalf("expected RUNNING, got %s", aux.State())
	}
	if got := dev.count(protocol.SubPing); got != 1 {
		t.Fatalf("expected one ping, got %d", got)
	}
}

func TestCreateFailsWithoutPong(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.PingTries = 3
	cfg.PingTimeout = 30 * time.Millisecond
	aux, _, dev := startDUT(t, cfg, func(int, *protocol.Message) *protocol.Message { return nil }, nil)
	err := aux.Create()
	if !errors.Is(err, auxiliary.ErrCreation) || !errors.Is(err, ErrNoPong) {
		t.Fatalf("expected creation error wrapping ErrNoPong, got %v", err)
	}
	if aux.State() != auxiliary.StateStopped {
		t.Fatalf("expected STOPPED, got %s", aux.State())
	}
	if got := dev.count(protocol.SubPing); got != 3 {
		t.Fatalf("expected 3 pings, got %d", got)
	}
}

func TestRunCommandExhaustsTries(t *testing.T) {
	testlog.Start(t)

	nack := func(attempt int, req *protocol.Message) *protocol.Message {
		if req.SubType == protocol.SubPing {
			return ackAlways(attempt, req)
		}
		resp, _ := req.GenerateAck(protocol.SubNack)
		return resp
	}
	aux, h, dev := startDUT(t, testConfig(), nack, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	const tries = 4
	cmd := auxiliary.MessageCommand(h.NewMessage(protocol.TypeCommand, protocol.SubTestCaseRun, 1, 2))
	ok, err := aux.RunCommand(cmd, 100*time.Millisecond, tries)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if ok {
		t.Fatalf("expected failure on persistent NACK")
	}
	waitFor(t, "all tries", func() bool { return dev.count(protocol.SubTestCaseRun) >= tries })
	time.Sleep(50 * time.Millisecond)
	if got := dev.count(protocol.SubTestCaseRun); got != tries {
		t.Fatalf("expected exactly %d sends, got %d", tries, got)
	}
}

func TestRunCommandSucceedsOnLaterTry(t *testing.T) {
	testlog.Start(t)

	const k = 3
	late := func(attempt int, req *protocol.Message) *protocol.Message {
		if req.SubType != protocol.SubPing && attempt < k {
			resp, _ := req.GenerateAck(protocol.SubNack)
			return resp
		}
		return ackAlways(attempt, req)
	}
	aux, h, dev := startDUT(t, testConfig(), late, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	cmd := auxiliary.MessageCommand(h.NewMessage(protocol.TypeCommand, protocol.SubTestSuiteSetup, 7, 0))
	ok, err := aux.RunCommand(cmd, 200*time.Millisecond, 5)
	if err != nil || !ok {
		t.Fatalf("expected ack, got ok=%v err=%v", ok, err)
	}
	if got := dev.count(protocol.SubTestSuiteSetup); got != k {
		t.Fatalf("expected %d sends, got %d", k, got)
	}
}

func TestReportsAreAcknowledgedAndQueued(t *testing.T) {
	testlog.Start(t)

	aux, h, dev := startDUT(t, testConfig(), ackAlways, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	report := protocol.New(protocol.TypeReport, protocol.SubReportFailed, 1, 4,
		protocol.WithTLV(0x6F, []byte("assert failed")))
	dev.push(t, report)

	in, ok := h.ReceiveMessage(time.Second)
	if !ok {
		t.Fatalf("expected a report")
	}
	if !in.Message.Equal(report) {
		t.Fatalf("report mismatch: %s vs %s", in.Message, report)
	}
	waitFor(t, "auto ack", func() bool { return dev.ackCount() == 1 })
	dev.mu.Lock()
	ack := dev.acks[0]
	dev.mu.Unlock()
	if !report.IsAckMatching(ack) {
		t.Fatalf("auto ack does not match report: %s", ack)
	}
	if _, ok := h.ReceiveMessage(20 * time.Millisecond); ok {
		t.Fatalf("expected empty report queue")
	}
}

func TestReportDuringAckWaitKeepsTry(t *testing.T) {
	testlog.Start(t)

	var dev *device
	report := protocol.New(protocol.TypeReport, protocol.SubReportPass, 1, 2)
	reportFirst := func(attempt int, req *protocol.Message) *protocol.Message {
		if req.SubType == protocol.SubTestCaseRun {
			b, _ := report.Serialize()
			_ = dev.end.Send(b)
		}
		return ackAlways(attempt, req)
	}
	aux, h, d := startDUT(t, testConfig(), reportFirst, nil)
	dev = d
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	cmd := auxiliary.MessageCommand(h.NewMessage(protocol.TypeCommand, protocol.SubTestCaseRun, 1, 2))
	ok, err := aux.RunCommand(cmd, 200*time.Millisecond, 1)
	if err != nil || !ok {
		t.Fatalf("expected ack on the single try, got ok=%v err=%v", ok, err)
	}
	if got := dev.count(protocol.SubTestCaseRun); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
	in, ok := h.ReceiveMessage(time.Second)
	if !ok {
		t.Fatalf("expected the report queued")
	}
	if !in.Message.Equal(report) {
		t.Fatalf("report mismatch: %s vs %s", in.Message, report)
	}
}

func TestAbortAcknowledged(t *testing.T) {
	testlog.Start(t)

	aux, _, dev := startDUT(t, testConfig(), ackAlways, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	acked, err := aux.Abort()
	if err != nil || !acked {
		t.Fatalf("expected soft abort, got acked=%v err=%v", acked, err)
	}
	if got := dev.count(protocol.SubAbort); got != 1 {
		t.Fatalf("expected one abort, got %d", got)
	}
}

func TestRawModeSkipsCodec(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Raw = true
	host, target := connector.NewLoopbackPair("host", "target", 8)
	if err := target.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	h, err := New(cfg, host, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	aux := auxiliary.New(auxiliary.Config{Name: "raw", ReceiveTimeout: 10 * time.Millisecond}, h)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()

	ok, err := aux.RunCommand(auxiliary.RawCommand([]byte("hello")), time.Second, 1)
	if err != nil || !ok {
		t.Fatalf("raw send: ok=%v err=%v", ok, err)
	}
	got, err := target.Receive(time.Second)
	if err != nil || string(got.Payload) != "hello" {
		t.Fatalf("unexpected payload %q err=%v", got.Payload, err)
	}
	if err := target.Send([]byte{0xde, 0xad}); err != nil {
		t.Fatalf("target send: %v", err)
	}
	in, ok := h.ReceiveMessage(time.Second)
	if !ok || in.Message != nil || len(in.Raw) != 2 {
		t.Fatalf("expected raw inbound, got %+v ok=%v", in, ok)
	}
}

type countingFlasher struct {
	mu      sync.Mutex
	flashes int
	err     error
}

func (f *countingFlasher) Open() error  { return nil }
func (f *countingFlasher) Close() error { return nil }
func (f *countingFlasher) Flash() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flashes++
	return f.err
}

func TestFlashSkippedAfterSuspend(t *testing.T) {
	testlog.Start(t)

	fl := &countingFlasher{}
	aux, _, dev := startDUT(t, testConfig(), ackAlways, fl)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()
	if fl.flashes != 1 {
		t.Fatalf("expected one flash, got %d", fl.flashes)
	}
	if err := aux.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	// hard reset while suspended recreates without flashing
	if err := aux.HardReset(); err != nil {
		t.Fatalf("hard reset: %v", err)
	}
	if fl.flashes != 1 {
		t.Fatalf("expected flash to be skipped, got %d", fl.flashes)
	}
	if got := dev.count(protocol.SubPing); got != 2 {
		t.Fatalf("expected two pings, got %d", got)
	}
}

func TestFlashResumesAfterSuspendEnds(t *testing.T) {
	testlog.Start(t)

	fl := &countingFlasher{}
	aux, _, _ := startDUT(t, testConfig(), ackAlways, fl)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()
	if err := aux.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := aux.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := aux.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := aux.Create(); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if fl.flashes != 2 {
		t.Fatalf("fresh create must flash, got %d flashes", fl.flashes)
	}
	if err := aux.HardReset(); err != nil {
		t.Fatalf("hard reset: %v", err)
	}
	if fl.flashes != 3 {
		t.Fatalf("hard reset while running must flash, got %d flashes", fl.flashes)
	}
}

func TestResumeChecksLiveness(t *testing.T) {
	testlog.Start(t)

	aux, _, dev := startDUT(t, testConfig(), ackAlways, nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()
	if err := aux.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := aux.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := dev.count(protocol.SubPing); got != 2 {
		t.Fatalf("expected ping on resume, got %d", got)
	}
}

func TestFlashFailureAbortsCreate(t *testing.T) {
	testlog.Start(t)

	fl := &countingFlasher{err: errors.New("debugger not found")}
	cfg := testConfig()
	cfg.FlashTries = 2
	host, _ := connector.NewLoopbackPair("host", "target", 8)
	h, err := New(cfg, host, fl)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.CreateInstance(context.Background()); !errors.Is(err, ErrFlash) {
		t.Fatalf("expected ErrFlash, got %v", err)
	}
	if fl.flashes != 2 {
		t.Fatalf("expected 2 flash attempts, got %d", fl.flashes)
	}
	if host.State() != connector.StateClosed {
		t.Fatalf("connector should stay closed")
	}
}

func TestNewRequiresConnector(t *testing.T) {
	testlog.Start(t)

	if _, err := New(DefaultConfig("x"), nil, nil); !errors.Is(err, ErrNoConnector) {
		t.Fatalf("expected ErrNoConnector, got %v", err)
	}
}
