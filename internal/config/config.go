package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

var ErrInvalidBench = errors.New("config: invalid bench")

// Reserved name prefixes for auto-provisioned proxies.
const (
	ProxyAuxPrefix     = "proxy_aux_"
	ProxyChannelPrefix = "proxy_channel_"
)

var (
	ConnectorTypes = []string{"socketcan", "tcp", "websocket", "loopback"}
	AuxiliaryTypes = []string{"dut", "uds", "can"}
)

// Bench is the declarative description of a test bench.
type Bench struct {
	Name        string                     `toml:"name"`
	Listen      string                     `toml:"listen"`
	Connectors  map[string]ConnectorConfig `toml:"connectors"`
	Flashers    map[string]FlasherConfig   `toml:"flashers"`
	Auxiliaries map[string]AuxiliaryConfig `toml:"auxiliaries"`
}

type ConnectorConfig struct {
	Type   string `toml:"type"`
	Params Params `toml:"params"`
}

type FlasherConfig struct {
	Tool    string   `toml:"tool"`
	Args    []string `toml:"args"`
	Timeout string   `toml:"timeout"`
}

type AuxiliaryConfig struct {
	Type      string `toml:"type"`
	Connector string `toml:"connector"`
	Flasher   string `toml:"flasher"`
	AutoStart *bool  `toml:"auto_start"`
	Params    Params `toml:"params"`
}

// Starts reports auto_start, which defaults to true.
func (a AuxiliaryConfig) Starts() bool {
	return a.AutoStart == nil || *a.AutoStart
}

func (f FlasherConfig) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(f.Timeout) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(f.Timeout))
}

func LoadBench(path string) (Bench, error) {
	var b Bench
	meta, err := toml.DecodeFile(path, &b)
	if err != nil {
		return Bench{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return finish(b, meta)
}

// ParseBench decodes a bench from TOML text.
func ParseBench(data string) (Bench, error) {
	var b Bench
	meta, err := toml.Decode(data, &b)
	if err != nil {
		return Bench{}, fmt.Errorf("config parse failed: %w", err)
	}
	return finish(b, meta)
}

func finish(b Bench, meta toml.MetaData) (Bench, error) {
	for _, key := range meta.Undecoded() {
		log.Warn().Str("key", key.String()).Msg("config: unknown key ignored")
	}
	applyDefaults(&b)
	if err := ValidateBench(b); err != nil {
		return Bench{}, err
	}
	return b, nil
}

func applyDefaults(b *Bench) {
	if strings.TrimSpace(b.Name) == "" {
		b.Name = "bench"
	}
	if b.Connectors == nil {
		b.Connectors = map[string]ConnectorConfig{}
	}
	if b.Flashers == nil {
		b.Flashers = map[string]FlasherConfig{}
	}
	if b.Auxiliaries == nil {
		b.Auxiliaries = map[string]AuxiliaryConfig{}
	}
	for name, c := range b.Connectors {
		c.Type = strings.ToLower(strings.TrimSpace(c.Type))
		if c.Params == nil {
			c.Params = Params{}
		}
		b.Connectors[name] = c
	}
	for name, a := range b.Auxiliaries {
		a.Type = strings.ToLower(strings.TrimSpace(a.Type))
		a.Connector = strings.TrimSpace(a.Connector)
		if a.Params == nil {
			a.Params = Params{}
		}
		b.Auxiliaries[name] = a
	}
}

func ValidateBench(b Bench) error {
	var errs []error
	for _, name := range sortedKeys(b.Connectors) {
		c := b.Connectors[name]
		if c.Type == "" {
			errs = append(errs, fmt.Errorf("connector %s: type is required", name))
		} else if !slices.Contains(ConnectorTypes, c.Type) {
			errs = append(errs, fmt.Errorf("connector %s: unknown type %q", name, c.Type))
		}
	}
	for _, name := range sortedKeys(b.Flashers) {
		if strings.TrimSpace(b.Flashers[name].Tool) == "" {
			errs = append(errs, fmt.Errorf("flasher %s: tool is required", name))
		}
		if _, err := b.Flashers[name].TimeoutDuration(); err != nil {
			errs = append(errs, fmt.Errorf("flasher %s: timeout: %w", name, err))
		}
	}
	for _, name := range sortedKeys(b.Auxiliaries) {
		a := b.Auxiliaries[name]
		if strings.HasPrefix(name, ProxyAuxPrefix) || strings.HasPrefix(name, ProxyChannelPrefix) {
			errs = append(errs, fmt.Errorf("auxiliary %s: name uses a reserved prefix", name))
		}
		switch {
		case a.Type == "":
			errs = append(errs, fmt.Errorf("auxiliary %s: type is required", name))
		case !slices.Contains(AuxiliaryTypes, a.Type):
			errs = append(errs, fmt.Errorf("auxiliary %s: unknown type %q", name, a.Type))
		}
		if a.Connector == "" {
			errs = append(errs, fmt.Errorf("auxiliary %s: connector is required", name))
		} else if _, ok := b.Connectors[a.Connector]; !ok {
			errs = append(errs, fmt.Errorf("auxiliary %s: unknown connector %q", name, a.Connector))
		}
		if a.Flasher != "" {
			if a.Type != "dut" {
				errs = append(errs, fmt.Errorf("auxiliary %s: only dut auxiliaries take a flasher", name))
			}
			if _, ok := b.Flashers[a.Flasher]; !ok {
				errs = append(errs, fmt.Errorf("auxiliary %s: unknown flasher %q", name, a.Flasher))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidBench, errors.Join(errs...))
	}
	return nil
}

// AuxiliaryNames returns the auxiliary names in sorted order.
func (b Bench) AuxiliaryNames() []string { return sortedKeys(b.Auxiliaries) }

// ConnectorNames returns the connector names in sorted order.
func (b Bench) ConnectorNames() []string { return sortedKeys(b.Connectors) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
