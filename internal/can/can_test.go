package can

import (
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signalDB = `
[[messages]]
name = "EngineStatus"
id = 0x100
length = 8

  [[messages.signals]]
  name = "rpm"
  start = 0
  length = 16
  scale = 0.25

  [[messages.signals]]
  name = "temp"
  start = 16
  length = 8
  signed = true
  offset = -40.0

  [[messages.signals]]
  name = "gear"
  start = 31
  length = 4
  byte_order = "big_endian"

[[messages]]
name = "Door"
id = 0x200
length = 1

  [[messages.signals]]
  name = "open"
  start = 0
  length = 1
`

func mustDB(t *testing.T) *Database {
	t.Helper()
	db, err := ParseDatabase(signalDB)
	require.NoError(t, err)
	return db
}

func TestDatabaseIndex(t *testing.T) {
	testlog.Start(t)
	db := mustDB(t)

	assert.Equal(t, []string{"Door", "EngineStatus"}, db.Names())
	m, ok := db.ByID(0x100)
	require.True(t, ok)
	assert.Equal(t, "EngineStatus", m.Name)
	_, ok = db.ByName("Missing")
	assert.False(t, ok)
}

func TestDatabaseRejects(t *testing.T) {
	testlog.Start(t)

	cases := []string{
		"[[messages]]\nid = 1\n",
		"[[messages]]\nname = \"a\"\nid = 1\n[[messages]]\nname = \"b\"\nid = 1\n",
		"[[messages]]\nname = \"a\"\nid = 1\nlength = 1\n[[messages.signals]]\nname = \"s\"\nstart = 4\nlength = 8\n",
		"[[messages]]\nname = \"a\"\nid = 1\n[[messages.signals]]\nname = \"s\"\nstart = 0\nlength = 8\nbyte_order = \"middle\"\n",
		"[[messages]\n",
	}
	for _, c := range cases {
		_, err := ParseDatabase(c)
		assert.ErrorIs(t, err, ErrInvalidDB, c)
	}
}

func TestEncodeDecode(t *testing.T) {
	testlog.Start(t)
	db := mustDB(t)
	m, _ := db.ByName("EngineStatus")

	data, err := m.Encode(map[string]float64{"rpm": 3000, "temp": -10, "gear": 5})
	require.NoError(t, err)
	// rpm raw 12000 = 0x2EE0 little endian, temp raw 30, gear in the high
	// nibble of byte 3
	assert.Equal(t, []byte{0xE0, 0x2E, 0x1E, 0x50, 0, 0, 0, 0}, data)

	got, err := m.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"rpm": 3000, "temp": -10, "gear": 5}, got)

	_, err = m.Encode(map[string]float64{"gear": 16})
	assert.ErrorIs(t, err, ErrSignalRange)
	_, err = m.Encode(map[string]float64{"speed": 1})
	assert.ErrorIs(t, err, ErrUnknownSignal)
	_, err = m.Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrFrameLength)
}

func TestSignedDecode(t *testing.T) {
	testlog.Start(t)
	db := mustDB(t)
	m, _ := db.ByName("EngineStatus")

	got, err := m.Decode([]byte{0, 0, 0xFF, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, -41.0, got["temp"])
}

type bench struct {
	aux     *auxiliary.Auxiliary
	handler *Handler
	bus     *connector.Loopback
}

func startBench(t *testing.T) *bench {
	t.Helper()
	local, bus := connector.NewLoopbackPair("can", "bus", 32)
	require.NoError(t, bus.Open())
	h, err := New(DefaultConfig("can"), local, mustDB(t))
	require.NoError(t, err)
	aux := auxiliary.New(auxiliary.Config{Name: "can", ReceiveTimeout: 10 * time.Millisecond}, h)
	require.NoError(t, aux.Create())
	t.Cleanup(func() { _ = aux.Delete() })
	return &bench{aux: aux, handler: h, bus: bus}
}

func (b *bench) emit(t *testing.T, name string, values map[string]float64) {
	t.Helper()
	m, ok := b.handler.Database().ByName(name)
	require.True(t, ok)
	data, err := m.Encode(values)
	require.NoError(t, err)
	require.NoError(t, b.bus.Send(data, connector.WithRemoteID(m.ID)))
}

func TestGetLastMessagePeeks(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	_, ok := b.handler.GetLastMessage("EngineStatus")
	assert.False(t, ok)

	b.emit(t, "EngineStatus", map[string]float64{"rpm": 800})
	msg, ok := b.handler.WaitForMessage("EngineStatus", time.Second)
	require.True(t, ok)
	assert.Equal(t, 800.0, msg.Signals["rpm"])

	first, ok := b.handler.GetLastMessage("EngineStatus")
	require.True(t, ok)
	second, ok := b.handler.GetLastMessage("EngineStatus")
	require.True(t, ok)
	assert.Equal(t, first, second)

	rpm, ok := b.handler.GetLastSignal("EngineStatus", "rpm")
	require.True(t, ok)
	assert.Equal(t, 800.0, rpm)
	_, ok = b.handler.GetLastSignal("EngineStatus", "speed")
	assert.False(t, ok)
}

func TestWaitForMessageKeepsOldValueOnTimeout(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	b.emit(t, "Door", map[string]float64{"open": 1})
	_, ok := b.handler.WaitForMessage("Door", time.Second)
	require.True(t, ok)

	_, ok = b.handler.WaitForMessage("Door", 30*time.Millisecond)
	assert.False(t, ok)
	old, ok := b.handler.GetLastMessage("Door")
	require.True(t, ok)
	assert.Equal(t, 1.0, old.Signals["open"])

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.emit(t, "Door", map[string]float64{"open": 0})
	}()
	fresh, ok := b.handler.WaitForMessage("Door", time.Second)
	require.True(t, ok)
	assert.Equal(t, 0.0, fresh.Signals["open"])
}

func TestWaitForSignals(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	go func() {
		for _, rpm := range []float64{500, 1000, 1500} {
			time.Sleep(10 * time.Millisecond)
			b.emit(t, "EngineStatus", map[string]float64{"rpm": rpm})
		}
	}()
	msg, ok := b.handler.WaitForSignals("EngineStatus", map[string]float64{"rpm": 1500}, time.Second)
	require.True(t, ok)
	assert.Equal(t, 1500.0, msg.Signals["rpm"])

	_, ok = b.handler.WaitForSignals("EngineStatus", map[string]float64{"rpm": 9}, 30*time.Millisecond)
	assert.False(t, ok)
}

func TestSendMessage(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	require.NoError(t, b.handler.SendMessage("EngineStatus", map[string]any{"rpm": 1000, "gear": 3, "temp": 20.0}))
	r, err := b.bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), r.RemoteID)
	m, _ := b.handler.Database().ByName("EngineStatus")
	got, err := m.Decode(r.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got["rpm"])
	assert.Equal(t, 3.0, got["gear"])
	assert.Equal(t, 20.0, got["temp"])

	assert.ErrorIs(t, b.handler.SendMessage("Nope", nil), ErrUnknownMessage)
	assert.Error(t, b.handler.SendMessage("Door", map[string]any{"open": []int{1}}))
	require.NoError(t, b.handler.SendMessage("Door", map[string]any{"open": true}))
}

func TestRunCommandRaw(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	ok, err := b.aux.RunCommand(auxiliary.RawCommand([]byte{1, 2}, connector.WithRemoteID(0x7FF)), time.Second, 1)
	require.NoError(t, err)
	require.True(t, ok)
	r, err := b.bus.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7FF), r.RemoteID)
	assert.Equal(t, []byte{1, 2}, r.Payload)
}

func TestUnknownFramesIgnored(t *testing.T) {
	testlog.Start(t)
	b := startBench(t)

	require.NoError(t, b.bus.Send([]byte{1, 2, 3}, connector.WithRemoteID(0x555)))
	require.NoError(t, b.bus.Send([]byte{1}, connector.WithRemoteID(0x100)))
	b.emit(t, "Door", map[string]float64{"open": 1})
	_, ok := b.handler.WaitForMessage("Door", time.Second)
	require.True(t, ok)
	_, ok = b.handler.GetLastMessage("EngineStatus")
	assert.False(t, ok)
}
