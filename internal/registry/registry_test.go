package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/can"
	"github.com/danmuck/benchctl/internal/config"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/dut"
	"github.com/danmuck/benchctl/internal/proxy"
	"github.com/danmuck/benchctl/internal/testutil/testlog"
	"github.com/danmuck/benchctl/internal/uds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func off() *bool {
	b := false
	return &b
}

func udsAux(conn string, autoStart *bool) config.AuxiliaryConfig {
	return config.AuxiliaryConfig{
		Type:      "uds",
		Connector: conn,
		AutoStart: autoStart,
		Params:    config.Params{"request_id": int64(0x7E8), "response_id": int64(0x7E0), "receive_timeout": "10ms"},
	}
}

func TestResolveBindings(t *testing.T) {
	testlog.Start(t)

	b := config.Bench{
		Connectors: map[string]config.ConnectorConfig{
			"can0": {Type: "loopback"},
			"tcp0": {Type: "loopback"},
			"lo1":  {Type: "loopback"},
		},
		Auxiliaries: map[string]config.AuxiliaryConfig{
			"a": udsAux("can0", nil),
			"b": udsAux("can0", off()),
			"c": udsAux("tcp0", nil),
			"d": udsAux("lo1", off()),
			"e": udsAux("lo1", off()),
		},
	}
	binds := ResolveBindings(b)
	require.Len(t, binds, 2)

	assert.Equal(t, "can0", binds[0].Connector)
	assert.Equal(t, "proxy_aux_can0", binds[0].Proxy)
	assert.Equal(t, map[string]string{"a": "proxy_channel_a", "b": "proxy_channel_b"}, binds[0].Channels)
	assert.True(t, binds[0].AutoStart)

	assert.Equal(t, "lo1", binds[1].Connector)
	assert.Equal(t, []string{"d", "e"}, binds[1].Auxiliaries())
	assert.False(t, binds[1].AutoStart)
}

func TestBuildSharedConnector(t *testing.T) {
	testlog.Start(t)

	b := config.Bench{
		Name: "test",
		Connectors: map[string]config.ConnectorConfig{
			"lo":  {Type: "loopback"},
			"lo2": {Type: "loopback"},
		},
		Auxiliaries: map[string]config.AuxiliaryConfig{
			"diag1": udsAux("lo", nil),
			"diag2": udsAux("lo", off()),
			"solo":  udsAux("lo2", nil),
		},
	}
	r, err := Build(b, DefaultFactories(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.DeleteAll() })

	assert.Equal(t, []string{"diag1", "diag2", "proxy_aux_lo", "solo"}, r.Names())
	require.Len(t, r.Bindings(), 1)

	state := func(name string) auxiliary.State {
		a, ok := r.Get(name)
		require.True(t, ok, name)
		return a.State()
	}
	assert.Equal(t, auxiliary.StateRunning, state("proxy_aux_lo"))
	assert.Equal(t, auxiliary.StateRunning, state("diag1"))
	assert.Equal(t, auxiliary.StateStopped, state("diag2"))
	assert.Equal(t, auxiliary.StateRunning, state("solo"))

	require.NoError(t, r.Start("diag2"))
	assert.Equal(t, auxiliary.StateRunning, state("diag2"))
	assert.ErrorIs(t, r.Start("ghost"), ErrNotFound)

	lo, ok := r.Connector("lo")
	require.True(t, ok)
	require.NoError(t, r.DeleteAll())
	assert.Equal(t, connector.StateClosed, lo.(*connector.Loopback).State())
	assert.Empty(t, r.Names())
}

func TestBuildStartsProxyOnDemand(t *testing.T) {
	testlog.Start(t)

	b := config.Bench{
		Connectors: map[string]config.ConnectorConfig{"lo": {Type: "loopback"}},
		Auxiliaries: map[string]config.AuxiliaryConfig{
			"x": udsAux("lo", off()),
			"y": udsAux("lo", off()),
		},
	}
	r, err := Build(b, DefaultFactories(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.DeleteAll() })

	p, _ := r.Get("proxy_aux_lo")
	assert.Equal(t, auxiliary.StateStopped, p.State())
	require.NoError(t, r.Start("x"))
	assert.Equal(t, auxiliary.StateRunning, p.State())
}

func TestBuildProxyFailureDeletesEverything(t *testing.T) {
	testlog.Start(t)

	var built []*connector.Loopback
	f := DefaultFactories()
	f.Connectors["loopback"] = func(name string, _ config.ConnectorConfig) (connector.Connector, error) {
		lb := connector.NewLoopback(name, 8)
		if name == "broken" {
			lb.FailOpen(errors.New("no such device"))
		}
		built = append(built, lb)
		return lb, nil
	}
	b := config.Bench{
		Connectors: map[string]config.ConnectorConfig{
			"broken": {Type: "loopback"},
			"fine":   {Type: "loopback"},
		},
		Auxiliaries: map[string]config.AuxiliaryConfig{
			"a": udsAux("broken", nil),
			"b": udsAux("broken", nil),
			"c": udsAux("fine", nil),
		},
	}
	r, err := Build(b, f, "")
	assert.Nil(t, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, auxiliary.ErrCreation)
	assert.ErrorIs(t, err, proxy.ErrPhysicalNotOpen)
	for _, lb := range built {
		assert.Equal(t, connector.StateClosed, lb.State(), lb.Name())
	}
}

func TestBuildUnknownFactory(t *testing.T) {
	testlog.Start(t)

	b := config.Bench{
		Connectors:  map[string]config.ConnectorConfig{"x": {Type: "carrier-pigeon"}},
		Auxiliaries: map[string]config.AuxiliaryConfig{},
	}
	_, err := Build(b, DefaultFactories(), "")
	assert.Error(t, err)

	b = config.Bench{
		Connectors:  map[string]config.ConnectorConfig{"x": {Type: "loopback"}},
		Auxiliaries: map[string]config.AuxiliaryConfig{"a": {Type: "scope", Connector: "x"}},
	}
	_, err = Build(b, DefaultFactories(), "")
	assert.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	testlog.Start(t)

	r := New()
	assert.NotEmpty(t, r.RunID())
	a := auxiliary.New(auxiliary.DefaultConfig("a"), nil)
	require.NoError(t, r.Register("a", a))
	assert.ErrorIs(t, r.Register("a", a), ErrDuplicate)
	lb := connector.NewLoopback("c", 1)
	require.NoError(t, r.RegisterConnector("c", lb))
	assert.ErrorIs(t, r.RegisterConnector("c", lb), ErrDuplicate)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Get("b")
	assert.False(t, ok)
}

func TestFactoriesReadParams(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ecu.yaml"), []byte(`
services:
  - id: 0x22
    parameters:
      SoftwareVersion:
        request: [0x22, 0xA455]
        response: [0x62, 0xA455]
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signals.toml"), []byte(`
[[messages]]
name = "Door"
id = 0x200
length = 1
  [[messages.signals]]
  name = "open"
  start = 0
  length = 1
`), 0o600))

	b := config.Bench{
		Connectors: map[string]config.ConnectorConfig{
			"lo1": {Type: "loopback"},
			"lo2": {Type: "loopback"},
			"lo3": {Type: "loopback"},
		},
		Flashers: map[string]config.FlasherConfig{"jlink": {Tool: "JLinkExe", Timeout: "30s"}},
		Auxiliaries: map[string]config.AuxiliaryConfig{
			"diag": {Type: "uds", Connector: "lo1", AutoStart: off(), Params: config.Params{
				"request_id": int64(0x7E8), "odx_table": "ecu.yaml", "frame_size": int64(8), "stmin": 0.5,
				"flow_control_timeout": "250ms", "max_payload": int64(512),
			}},
			"signals": {Type: "can", Connector: "lo2", AutoStart: off(), Params: config.Params{
				"database": "signals.toml", "wait_timeout": "1s",
			}},
			"dut": {Type: "dut", Connector: "lo3", Flasher: "jlink", AutoStart: off(), Params: config.Params{
				"ack_tries": int64(5), "ack_timeout": "250ms", "raw": true, "queue_depth": int64(4),
			}},
		},
	}
	r, err := Build(b, DefaultFactories(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.DeleteAll() })

	diag, _ := r.Get("diag")
	srv := diag.Handler().(*uds.Server)
	assert.Equal(t, 8, srv.Config().FrameSize)
	assert.Equal(t, uint32(0x7E8), srv.Config().RequestID)
	assert.Equal(t, 250*time.Millisecond, srv.Config().FlowControlTimeout)
	assert.Equal(t, uds.DefaultMaxWaits, srv.Config().MaxWaits)
	assert.Equal(t, 512, srv.Config().MaxPayload)
	_, err = srv.RegisterCallback(uds.SymbolicRequest{Service: 0x22, Parameter: "SoftwareVersion"})
	require.NoError(t, err)

	signals, _ := r.Get("signals")
	ch := signals.Handler().(*can.Handler)
	assert.Equal(t, []string{"Door"}, ch.Database().Names())

	d, _ := r.Get("dut")
	h := d.Handler().(*dut.Handler)
	assert.Equal(t, 5, h.Config().AckTries)
	assert.Equal(t, 250*time.Millisecond, h.Config().AckTimeout)
	assert.True(t, h.Config().Raw)

	b.Auxiliaries["signals"] = config.AuxiliaryConfig{Type: "can", Connector: "lo2", Params: config.Params{}}
	_, err = Build(b, DefaultFactories(), dir)
	assert.Error(t, err)
}
