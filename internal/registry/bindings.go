package registry

import (
	"sort"

	"github.com/danmuck/benchctl/internal/config"
)

// Binding is the proxy provisioned for one shared connector.
type Binding struct {
	Connector string
	Proxy     string
	// Channels maps each attached auxiliary to its virtual connector.
	Channels  map[string]string
	AutoStart bool
}

// Auxiliaries lists the attached auxiliaries, sorted.
func (b Binding) Auxiliaries() []string {
	out := make([]string, 0, len(b.Channels))
	for a := range b.Channels {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ResolveBindings finds every connector referenced by two or more
// auxiliaries. Each gets a proxy named proxy_aux_<connector> and one
// virtual connector proxy_channel_<aux> per auxiliary. The proxy auto
// starts when any attached auxiliary does.
func ResolveBindings(b config.Bench) []Binding {
	users := make(map[string][]string)
	for _, name := range b.AuxiliaryNames() {
		a := b.Auxiliaries[name]
		users[a.Connector] = append(users[a.Connector], name)
	}
	var out []Binding
	for _, conn := range b.ConnectorNames() {
		auxes := users[conn]
		if len(auxes) < 2 {
			continue
		}
		bind := Binding{
			Connector: conn,
			Proxy:     config.ProxyAuxPrefix + conn,
			Channels:  make(map[string]string, len(auxes)),
		}
		for _, a := range auxes {
			bind.Channels[a] = config.ProxyChannelPrefix + a
			if b.Auxiliaries[a].Starts() {
				bind.AutoStart = true
			}
		}
		out = append(out, bind)
	}
	return out
}
