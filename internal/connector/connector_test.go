package connector

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackPairDeliversWithRouting(t *testing.T) {
	testlog.Start(t)
	a, b := NewLoopbackPair("a", "b", 4)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	require.NoError(t, a.Send([]byte{1, 2, 3}, WithRemoteID(0x7E8)))
	got, err := b.Receive(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.True(t, got.HasRemoteID)
	assert.Equal(t, uint32(0x7E8), got.RemoteID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestLoopbackReceiveTimesOutEmpty(t *testing.T) {
	testlog.Start(t)
	a := NewLoopback("a", 1)
	require.NoError(t, a.Open())
	start := time.Now()
	got, err := a.Receive(20 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, got.Empty())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLoopbackClosedAndFailOpen(t *testing.T) {
	testlog.Start(t)
	a := NewLoopback("a", 1)
	assert.ErrorIs(t, a.Send([]byte{1}), ErrNotOpen)
	_, err := a.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotOpen)

	boom := errors.New("no such interface")
	a.FailOpen(boom)
	assert.ErrorIs(t, a.Open(), boom)
	a.FailOpen(nil)
	assert.NoError(t, a.Open())
	assert.Equal(t, StateOpen, a.State())
}

func TestLoopbackInjectFull(t *testing.T) {
	testlog.Start(t)
	a := NewLoopback("a", 1)
	require.NoError(t, a.Inject(Received{Payload: []byte{1}}))
	assert.ErrorIs(t, a.Inject(Received{Payload: []byte{2}}), ErrBufferFull)
}

func TestTCPReceiveTrimsDelimiter(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(append([]byte(strings.ToUpper(string(buf[:n]))), '\r', '\n'))
		time.Sleep(100 * time.Millisecond)
	}()

	c := NewTCP("dut-tcp", DefaultTCPConfig(ln.Addr().String()))
	require.NoError(t, c.Open())
	defer c.Close()
	require.NoError(t, c.Send([]byte("ping")))

	var got Received
	for i := 0; i < 20 && got.Empty(); i++ {
		got, err = c.Receive(50 * time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, "PING", string(got.Payload))
}

func TestTCPReceiveTimeoutIsEmpty(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(200 * time.Millisecond)
			conn.Close()
		}
	}()

	c := NewTCP("idle", DefaultTCPConfig(ln.Addr().String()))
	require.NoError(t, c.Open())
	defer c.Close()
	got, err := c.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestWebSocketEcho(t *testing.T) {
	testlog.Start(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := NewWebSocket("bench", WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, ws.Open())
	require.NoError(t, ws.Send([]byte{0xCA, 0xFE}))

	got, err := ws.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, got.Payload)

	idle, err := ws.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, idle.Empty())
	require.NoError(t, ws.Close())

	_, err = ws.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotOpen)
}

type stubFlasher struct {
	calls    []string
	flashErr error
}

func (f *stubFlasher) Open() error  { f.calls = append(f.calls, "open"); return nil }
func (f *stubFlasher) Flash() error { f.calls = append(f.calls, "flash"); return f.flashErr }
func (f *stubFlasher) Close() error { f.calls = append(f.calls, "close"); return nil }

func TestFlashOnceAlwaysCloses(t *testing.T) {
	testlog.Start(t)
	ok := &stubFlasher{}
	require.NoError(t, FlashOnce(ok))
	assert.Equal(t, []string{"open", "flash", "close"}, ok.calls)

	bad := &stubFlasher{flashErr: errors.New("probe lost")}
	err := FlashOnce(bad)
	assert.ErrorIs(t, err, bad.flashErr)
	assert.Equal(t, []string{"open", "flash", "close"}, bad.calls)
}

func TestSendOptionsRoundTrip(t *testing.T) {
	testlog.Start(t)
	o := ApplySendOptions([]SendOption{WithRemoteID(0x123)})
	again := ApplySendOptions(o.Options())
	assert.Equal(t, o, again)
	assert.Nil(t, SendOptions{}.Options())
}
