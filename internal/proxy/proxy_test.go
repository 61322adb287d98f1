package proxy

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/testutil/testlog"
)

// byteWiseBus is a physical connector that writes each frame one byte
// at a time and flags any overlap between Send calls.
type byteWiseBus struct {
	mu       sync.Mutex
	wire     []byte
	inFlight atomic.Int32
	overlap  atomic.Bool
	frames   atomic.Int32
}

func (p *byteWiseBus) Name() string { return "bytewise" }
func (p *byteWiseBus) Open() error  { return nil }
func (p *byteWiseBus) Close() error { return nil }

func (p *byteWiseBus) Send(payload []byte, _ ...connector.SendOption) error {
	if p.inFlight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inFlight.Add(-1)
	for _, b := range payload {
		p.mu.Lock()
		p.wire = append(p.wire, b)
		p.mu.Unlock()
		time.Sleep(50 * time.Microsecond)
	}
	p.frames.Add(1)
	return nil
}

func (p *byteWiseBus) Receive(timeout time.Duration) (connector.Received, error) {
	time.Sleep(timeout)
	return connector.Received{}, nil
}

func startProxy(t *testing.T, physical connector.Connector) (*Multiplexer, *auxiliary.Auxiliary) {
	t.Helper()
	mux := New("proxy_aux_can0", physical, 8)
	cfg := auxiliary.DefaultConfig(mux.Name())
	cfg.ReceiveTimeout = 5 * time.Millisecond
	return mux, auxiliary.New(cfg, mux)
}

func TestConcurrentSendsAreNeverInterleaved(t *testing.T) {
	testlog.Start(t)
	bus := &byteWiseBus{}
	mux, aux := startProxy(t, bus)
	left, err := mux.Attach("proxy_channel_left", nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	right, err := mux.Attach("proxy_channel_right", nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := aux.Create(); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	defer aux.Delete()
	if err := left.Open(); err != nil {
		t.Fatalf("open left: %v", err)
	}
	if err := right.Open(); err != nil {
		t.Fatalf("open right: %v", err)
	}

	frameA := bytes.Repeat([]byte{0xAA}, 8)
	frameB := bytes.Repeat([]byte{0xBB}, 8)
	const perSender = 20
	var wg sync.WaitGroup
	for _, tc := range []struct {
		vc    *VirtualConnector
		frame []byte
	}{{left, frameA}, {right, frameB}} {
		wg.Add(1)
		go func(vc *VirtualConnector, frame []byte) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := vc.Send(frame); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(tc.vc, tc.frame)
	}
	wg.Wait()

	if bus.overlap.Load() {
		t.Fatalf("physical sends overlapped")
	}
	if got := bus.frames.Load(); got != 2*perSender {
		t.Fatalf("expected %d frames, got %d", 2*perSender, got)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for i := 0; i < len(bus.wire); i += 8 {
		chunk := bus.wire[i : i+8]
		if !bytes.Equal(chunk, frameA) && !bytes.Equal(chunk, frameB) {
			t.Fatalf("interleaved frame at offset %d: % X", i, chunk)
		}
	}
}

func TestInboundFrameBroadcastHonorsFilters(t *testing.T) {
	testlog.Start(t)
	physical, bus := connector.NewLoopbackPair("can0", "bus", 16)
	if err := bus.Open(); err != nil {
		t.Fatalf("open bus: %v", err)
	}
	mux, aux := startProxy(t, physical)
	all, _ := mux.Attach("proxy_channel_dut", nil)
	diag, _ := mux.Attach("proxy_channel_diag", RemoteIDs(0x7E0))
	other, _ := mux.Attach("proxy_channel_other", RemoteIDs(0x123))
	if err := aux.Create(); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	defer aux.Delete()
	for _, vc := range []*VirtualConnector{all, diag, other} {
		if err := vc.Open(); err != nil {
			t.Fatalf("open %s: %v", vc.Name(), err)
		}
	}

	if err := bus.Send([]byte{0x02, 0x10, 0x03}, connector.WithRemoteID(0x7E0)); err != nil {
		t.Fatalf("bus send: %v", err)
	}

	for _, vc := range []*VirtualConnector{all, diag} {
		r, err := vc.Receive(time.Second)
		if err != nil {
			t.Fatalf("%s receive: %v", vc.Name(), err)
		}
		if !bytes.Equal(r.Payload, []byte{0x02, 0x10, 0x03}) || r.RemoteID != 0x7E0 {
			t.Fatalf("%s got unexpected frame %+v", vc.Name(), r)
		}
	}
	r, err := other.Receive(30 * time.Millisecond)
	if err != nil || !r.Empty() {
		t.Fatalf("filtered connector must see nothing, got %+v err=%v", r, err)
	}
}

func TestVirtualSendReachesPhysicalPeerWithRouting(t *testing.T) {
	testlog.Start(t)
	physical, bus := connector.NewLoopbackPair("can0", "bus", 16)
	if err := bus.Open(); err != nil {
		t.Fatalf("open bus: %v", err)
	}
	mux, aux := startProxy(t, physical)
	vc, _ := mux.Attach("proxy_channel_diag", nil)
	if err := aux.Create(); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	defer aux.Delete()
	if err := vc.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := vc.Send([]byte{0x06, 0x50, 0x03}, connector.WithRemoteID(0x7E8)); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := bus.Receive(time.Second)
	if err != nil {
		t.Fatalf("bus receive: %v", err)
	}
	if r.RemoteID != 0x7E8 || !bytes.Equal(r.Payload, []byte{0x06, 0x50, 0x03}) {
		t.Fatalf("unexpected physical frame %+v", r)
	}
}

func TestPhysicalOpenFailureFailsEveryChannel(t *testing.T) {
	testlog.Start(t)
	physical := connector.NewLoopback("can0", 4)
	boom := errors.New("no such device")
	physical.FailOpen(boom)
	mux, aux := startProxy(t, physical)
	a, _ := mux.Attach("proxy_channel_a", nil)
	b, _ := mux.Attach("proxy_channel_b", nil)

	err := aux.Create()
	if !errors.Is(err, auxiliary.ErrCreation) || !errors.Is(err, boom) {
		t.Fatalf("expected creation failure wrapping cause, got %v", err)
	}
	for _, vc := range []*VirtualConnector{a, b} {
		if err := vc.Open(); !errors.Is(err, ErrPhysicalNotOpen) {
			t.Fatalf("%s: expected ErrPhysicalNotOpen, got %v", vc.Name(), err)
		}
	}
}

func TestAttachRejectsDuplicateNames(t *testing.T) {
	testlog.Start(t)
	mux := New("p", connector.NewLoopback("can0", 1), 1)
	if _, err := mux.Attach("x", nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := mux.Attach("x", nil); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestDeliverDropsOldestWhenFull(t *testing.T) {
	testlog.Start(t)
	mux := New("p", connector.NewLoopback("can0", 1), 2)
	vc, _ := mux.Attach("x", nil)
	vc.state = connector.StateOpen
	for i := byte(1); i <= 3; i++ {
		vc.deliver(connector.Received{Payload: []byte{i}})
	}
	if vc.Dropped() != 1 {
		t.Fatalf("expected one dropped frame, got %d", vc.Dropped())
	}
	first, _ := vc.Receive(0)
	second, _ := vc.Receive(0)
	if first.Payload[0] != 2 || second.Payload[0] != 3 {
		t.Fatalf("expected newest frames 2,3 got %v,%v", first.Payload, second.Payload)
	}
}

func TestRunCommandRawGoesThroughSendLock(t *testing.T) {
	testlog.Start(t)
	bus := &byteWiseBus{}
	_, aux := startProxy(t, bus)
	if err := aux.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer aux.Delete()
	ok, err := aux.RunCommand(auxiliary.RawCommand([]byte{1, 2}), time.Second, 1)
	if !ok || err != nil {
		t.Fatalf("raw command: ok=%v err=%v", ok, err)
	}
	if bus.frames.Load() != 1 {
		t.Fatalf("expected one physical frame")
	}
}
