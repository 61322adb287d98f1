package registry

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/can"
	"github.com/danmuck/benchctl/internal/config"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/danmuck/benchctl/internal/dut"
	"github.com/danmuck/benchctl/internal/odx"
	"github.com/danmuck/benchctl/internal/proxy"
	"github.com/danmuck/benchctl/internal/tools"
	"github.com/danmuck/benchctl/internal/uds"
	"github.com/rs/zerolog/log"
)

// Env is what factories may need beyond their own config entry.
type Env struct {
	Bench config.Bench
	// BaseDir resolves relative file params such as odx_table.
	BaseDir  string
	Flashers map[string]connector.Flasher
}

func (e Env) path(p string) string {
	if p == "" || filepath.IsAbs(p) || e.BaseDir == "" {
		return p
	}
	return filepath.Join(e.BaseDir, p)
}

type ConnectorFactory func(name string, cfg config.ConnectorConfig) (connector.Connector, error)

type AuxiliaryFactory func(name string, cfg config.AuxiliaryConfig, conn connector.Connector, env Env) (*auxiliary.Auxiliary, error)

type Factories struct {
	Connectors  map[string]ConnectorFactory
	Auxiliaries map[string]AuxiliaryFactory
	Flasher     func(name string, cfg config.FlasherConfig) (connector.Flasher, error)
}

func DefaultFactories() Factories {
	return Factories{
		Connectors: map[string]ConnectorFactory{
			"loopback":  newLoopback,
			"tcp":       newTCP,
			"websocket": newWebSocket,
			"socketcan": newSocketCAN,
		},
		Auxiliaries: map[string]AuxiliaryFactory{
			"dut": newDUT,
			"uds": newUDS,
			"can": newCAN,
		},
		Flasher: newFlasher,
	}
}

// Build instantiates every connector and auxiliary of b. Proxies are
// registered and created before the auxiliaries they serve; if a proxy
// cannot be created everything built so far is deleted and the error
// returned. Other auto-start failures are logged and leave that
// auxiliary stopped.
func Build(b config.Bench, f Factories, baseDir string) (*Registry, error) {
	r := New()
	fail := func(err error) (*Registry, error) {
		if derr := r.DeleteAll(); derr != nil {
			log.Warn().Err(derr).Msg("registry: cleanup after failed build")
		}
		return nil, err
	}

	env := Env{Bench: b, BaseDir: baseDir, Flashers: make(map[string]connector.Flasher)}
	for name, fc := range b.Flashers {
		if f.Flasher == nil {
			return fail(fmt.Errorf("registry: flasher %s: no flasher factory", name))
		}
		fl, err := f.Flasher(name, fc)
		if err != nil {
			return fail(fmt.Errorf("registry: flasher %s: %w", name, err))
		}
		env.Flashers[name] = fl
	}

	for _, name := range b.ConnectorNames() {
		cc := b.Connectors[name]
		factory, ok := f.Connectors[cc.Type]
		if !ok {
			return fail(fmt.Errorf("registry: connector %s: no factory for type %q", name, cc.Type))
		}
		c, err := factory(name, cc)
		if err != nil {
			return fail(fmt.Errorf("registry: connector %s: %w", name, err))
		}
		if err := r.RegisterConnector(name, c); err != nil {
			return fail(err)
		}
	}

	channels := make(map[string]connector.Connector)
	for _, bind := range ResolveBindings(b) {
		physical, _ := r.Connector(bind.Connector)
		mux := proxy.New(bind.Proxy, physical, proxy.DefaultInboundDepth)
		for _, auxName := range bind.Auxiliaries() {
			filter, err := channelFilter(b.Auxiliaries[auxName])
			if err != nil {
				return fail(fmt.Errorf("registry: auxiliary %s: %w", auxName, err))
			}
			vc, err := mux.Attach(bind.Channels[auxName], filter)
			if err != nil {
				return fail(err)
			}
			channels[auxName] = vc
		}
		p := auxiliary.New(auxiliary.DefaultConfig(bind.Proxy), mux)
		if err := r.Register(bind.Proxy, p); err != nil {
			return fail(err)
		}
		r.addBinding(bind)
		if bind.AutoStart {
			if err := p.Create(); err != nil {
				return fail(fmt.Errorf("registry: proxy %s: %w", bind.Proxy, err))
			}
		}
	}

	for _, name := range b.AuxiliaryNames() {
		ac := b.Auxiliaries[name]
		conn, ok := channels[name]
		if !ok {
			conn, _ = r.Connector(ac.Connector)
		}
		factory, ok := f.Auxiliaries[ac.Type]
		if !ok {
			return fail(fmt.Errorf("registry: auxiliary %s: no factory for type %q", name, ac.Type))
		}
		a, err := factory(name, ac, conn, env)
		if err != nil {
			return fail(fmt.Errorf("registry: auxiliary %s: %w", name, err))
		}
		if err := r.Register(name, a); err != nil {
			return fail(err)
		}
		if ac.Starts() {
			if err := a.Create(); err != nil {
				log.Error().Str("aux", name).Err(err).Msg("registry: auto start failed")
			}
		}
	}
	log.Info().Str("run", r.RunID()).Str("bench", b.Name).Int("auxiliaries", len(r.Names())).Msg("registry: bench built")
	return r, nil
}

// channelFilter reads the optional filter_ids param of a proxied
// auxiliary.
func channelFilter(ac config.AuxiliaryConfig) (proxy.Filter, error) {
	ids, err := ac.Params.Uint32s("filter_ids")
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return proxy.RemoteIDs(ids...), nil
}

func engineConfig(name string, p config.Params) (auxiliary.Config, error) {
	cfg := auxiliary.DefaultConfig(name)
	depth, err := p.Int("queue_depth", int64(cfg.QueueDepth))
	if err != nil {
		return cfg, err
	}
	cfg.QueueDepth = int(depth)
	if cfg.ReceiveTimeout, err = p.Duration("receive_timeout", cfg.ReceiveTimeout); err != nil {
		return cfg, err
	}
	if cfg.CreateTimeout, err = p.Duration("create_timeout", cfg.CreateTimeout); err != nil {
		return cfg, err
	}
	if cfg.AbortTimeout, err = p.Duration("abort_timeout", cfg.AbortTimeout); err != nil {
		return cfg, err
	}
	tries, err := p.Int("abort_tries", int64(cfg.AbortTries))
	if err != nil {
		return cfg, err
	}
	cfg.AbortTries = int(tries)
	return cfg, nil
}

func newDUT(name string, ac config.AuxiliaryConfig, conn connector.Connector, env Env) (*auxiliary.Auxiliary, error) {
	p := ac.Params
	cfg := dut.DefaultConfig(name)
	var err error
	if cfg.Raw, err = p.Bool("raw", cfg.Raw); err != nil {
		return nil, err
	}
	if cfg.PingTimeout, err = p.Duration("ping_timeout", cfg.PingTimeout); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = p.Duration("drain_timeout", cfg.DrainTimeout); err != nil {
		return nil, err
	}
	if cfg.AckTimeout, err = p.Duration("ack_timeout", cfg.AckTimeout); err != nil {
		return nil, err
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"ping_tries", &cfg.PingTries},
		{"ack_tries", &cfg.AckTries},
		{"flash_tries", &cfg.FlashTries},
		{"report_depth", &cfg.ReportDepth},
	}
	for _, it := range ints {
		n, err := p.Int(it.key, int64(*it.dst))
		if err != nil {
			return nil, err
		}
		*it.dst = int(n)
	}
	var flasher connector.Flasher
	if ac.Flasher != "" {
		flasher = env.Flashers[ac.Flasher]
	}
	h, err := dut.New(cfg, conn, flasher)
	if err != nil {
		return nil, err
	}
	ec, err := engineConfig(name, p)
	if err != nil {
		return nil, err
	}
	return auxiliary.New(ec, h), nil
}

func newUDS(name string, ac config.AuxiliaryConfig, conn connector.Connector, env Env) (*auxiliary.Auxiliary, error) {
	p := ac.Params
	cfg := uds.DefaultConfig(name)
	var err error
	if cfg.RequestID, err = p.Uint32("request_id", 0); err != nil {
		return nil, err
	}
	if cfg.ResponseID, err = p.Uint32("response_id", 0); err != nil {
		return nil, err
	}
	size, err := p.Int("frame_size", int64(cfg.FrameSize))
	if err != nil {
		return nil, err
	}
	cfg.FrameSize = int(size)
	bs, err := p.Int("block_size", 0)
	if err != nil {
		return nil, err
	}
	if bs < 0 || bs > 0xFF {
		return nil, fmt.Errorf("param block_size: %d out of range", bs)
	}
	cfg.BlockSize = uint8(bs)
	if cfg.STmin, err = p.Float("stmin", 0); err != nil {
		return nil, err
	}
	if cfg.TxSeparation, err = p.Duration("tx_separation", 0); err != nil {
		return nil, err
	}
	if cfg.FlowControlTimeout, err = p.Duration("flow_control_timeout", cfg.FlowControlTimeout); err != nil {
		return nil, err
	}
	waits, err := p.Int("max_waits", int64(cfg.MaxWaits))
	if err != nil {
		return nil, err
	}
	cfg.MaxWaits = int(waits)
	maxPayload, err := p.Int("max_payload", 0)
	if err != nil {
		return nil, err
	}
	cfg.MaxPayload = int(maxPayload)
	var resolver odx.Resolver
	if table := p.String("odx_table", ""); table != "" {
		t, err := odx.LoadTable(env.path(table))
		if err != nil {
			return nil, err
		}
		resolver = t
	}
	srv, err := uds.New(cfg, conn, resolver)
	if err != nil {
		return nil, err
	}
	ec, err := engineConfig(name, p)
	if err != nil {
		return nil, err
	}
	return auxiliary.New(ec, srv), nil
}

func newCAN(name string, ac config.AuxiliaryConfig, conn connector.Connector, env Env) (*auxiliary.Auxiliary, error) {
	p := ac.Params
	path := p.String("database", "")
	if path == "" {
		return nil, fmt.Errorf("param database is required")
	}
	db, err := can.LoadDatabase(env.path(path))
	if err != nil {
		return nil, err
	}
	cfg := can.DefaultConfig(name)
	if cfg.WaitTimeout, err = p.Duration("wait_timeout", cfg.WaitTimeout); err != nil {
		return nil, err
	}
	h, err := can.New(cfg, conn, db)
	if err != nil {
		return nil, err
	}
	ec, err := engineConfig(name, p)
	if err != nil {
		return nil, err
	}
	return auxiliary.New(ec, h), nil
}

func newFlasher(_ string, fc config.FlasherConfig) (connector.Flasher, error) {
	timeout, err := fc.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	return tools.NewCommandFlasher(tools.FlasherConfig{Tool: fc.Tool, Args: fc.Args, Timeout: timeout}, nil), nil
}

func newLoopback(name string, cc config.ConnectorConfig) (connector.Connector, error) {
	depth, err := cc.Params.Int("depth", 64)
	if err != nil {
		return nil, err
	}
	return connector.NewLoopback(name, int(depth)), nil
}

func newTCP(name string, cc config.ConnectorConfig) (connector.Connector, error) {
	addr := cc.Params.String("address", "")
	if addr == "" {
		return nil, fmt.Errorf("param address is required")
	}
	cfg := connector.DefaultTCPConfig(addr)
	var err error
	if cfg.DialTimeout, err = cc.Params.Duration("dial_timeout", cfg.DialTimeout); err != nil {
		return nil, err
	}
	return connector.NewTCP(name, cfg), nil
}

func newWebSocket(name string, cc config.ConnectorConfig) (connector.Connector, error) {
	url := cc.Params.String("url", "")
	if url == "" {
		return nil, fmt.Errorf("param url is required")
	}
	cfg := connector.WebSocketConfig{URL: url}
	var err error
	if cfg.HandshakeTimeout, err = cc.Params.Duration("handshake_timeout", 5*time.Second); err != nil {
		return nil, err
	}
	depth, err := cc.Params.Int("inbound_depth", 64)
	if err != nil {
		return nil, err
	}
	cfg.InboundDepth = int(depth)
	return connector.NewWebSocket(name, cfg), nil
}

func newSocketCAN(name string, cc config.ConnectorConfig) (connector.Connector, error) {
	cfg := connector.SocketCANConfig{Interface: cc.Params.String("interface", "")}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("param interface is required")
	}
	var err error
	if cfg.FD, err = cc.Params.Bool("fd", false); err != nil {
		return nil, err
	}
	if cfg.Extended, err = cc.Params.Bool("extended", false); err != nil {
		return nil, err
	}
	if cfg.Filters, err = cc.Params.Uint32s("filters"); err != nil {
		return nil, err
	}
	if cfg.DefaultID, err = cc.Params.Uint32("default_id", 0); err != nil {
		return nil, err
	}
	return connector.NewSocketCAN(name, cfg), nil
}
