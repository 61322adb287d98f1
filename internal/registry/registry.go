package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/connector"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicate = errors.New("registry: name already registered")
	ErrNotFound  = errors.New("registry: not found")
)

// Registry maps names to live auxiliaries and connectors. Auxiliaries are
// deleted in reverse registration order, so proxies registered first go
// last.
type Registry struct {
	runID string

	mu         sync.RWMutex
	auxes      map[string]*auxiliary.Auxiliary
	order      []string
	connectors map[string]connector.Connector
	bindings   map[string]Binding
}

func New() *Registry {
	return &Registry{
		runID:      uuid.NewString(),
		auxes:      make(map[string]*auxiliary.Auxiliary),
		connectors: make(map[string]connector.Connector),
		bindings:   make(map[string]Binding),
	}
}

// RunID identifies this bench run in logs.
func (r *Registry) RunID() string { return r.runID }

func (r *Registry) Register(name string, aux *auxiliary.Auxiliary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.auxes[name]; ok {
		return fmt.Errorf("%w: auxiliary %s", ErrDuplicate, name)
	}
	r.auxes[name] = aux
	r.order = append(r.order, name)
	log.Debug().Str("run", r.runID).Str("aux", name).Str("id", aux.ID()).Msg("registry: auxiliary registered")
	return nil
}

func (r *Registry) RegisterConnector(name string, c connector.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[name]; ok {
		return fmt.Errorf("%w: connector %s", ErrDuplicate, name)
	}
	r.connectors[name] = c
	return nil
}

func (r *Registry) Get(name string) (*auxiliary.Auxiliary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auxes[name]
	return a, ok
}

func (r *Registry) Connector(name string) (connector.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names lists the registered auxiliaries, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.auxes))
	for n := range r.auxes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Bindings returns the proxy bindings in connector order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connector < out[j].Connector })
	return out
}

func (r *Registry) addBinding(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.Connector] = b
}

// proxyFor returns the proxy auxiliary name serving aux, if any.
func (r *Registry) proxyFor(aux string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		if _, ok := b.Channels[aux]; ok {
			return b.Proxy, true
		}
	}
	return "", false
}

// Start creates or restarts one auxiliary, starting its proxy first when
// it is bound to one.
func (r *Registry) Start(name string) error {
	a, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: auxiliary %s", ErrNotFound, name)
	}
	if proxyName, ok := r.proxyFor(name); ok {
		p, _ := r.Get(proxyName)
		if p != nil && p.State() == auxiliary.StateStopped {
			if err := p.Start(); err != nil {
				return err
			}
		}
	}
	return a.Start()
}

// DeleteAll deletes every auxiliary, then closes every connector. It
// keeps going past failures and returns them joined.
func (r *Registry) DeleteAll() error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	auxes := r.auxes
	conns := r.connectors
	r.auxes = make(map[string]*auxiliary.Auxiliary)
	r.order = nil
	r.connectors = make(map[string]connector.Connector)
	r.bindings = make(map[string]Binding)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := auxes[name].Delete(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	for name, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	log.Info().Str("run", r.runID).Int("auxiliaries", len(order)).Int("connectors", len(conns)).Msg("registry: deleted all")
	return errors.Join(errs...)
}
