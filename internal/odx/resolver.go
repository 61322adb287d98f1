package odx

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownService   = errors.New("odx: unknown service")
	ErrUnknownParameter = errors.New("odx: unknown parameter")
	ErrNoCodedValues    = errors.New("odx: no coded values")
	ErrInvalidTable     = errors.New("odx: invalid table")
)

type Kind int

const (
	Request Kind = iota
	PositiveResponse
)

func (k Kind) String() string {
	if k == PositiveResponse {
		return "response"
	}
	return "request"
}

// Resolver translates a service and a named parameter into the coded
// values of the request or its positive response. The first coded value
// is the service id (plus 0x40 for a response).
type Resolver interface {
	CodedValues(service byte, parameter string, kind Kind) ([]uint64, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(service byte, parameter string, kind Kind) ([]uint64, error)

func (f ResolverFunc) CodedValues(service byte, parameter string, kind Kind) ([]uint64, error) {
	return f(service, parameter, kind)
}

// Table is a static Resolver loaded from YAML:
//
//	services:
//	  - id: 0x22
//	    parameters:
//	      SoftwareVersion:
//	        request: [0x22, 0xA455]
//	        response: [0x62, 0xA455]
type Table struct {
	services map[byte]map[string]Entry
}

type Entry struct {
	Request  []uint64 `yaml:"request"`
	Response []uint64 `yaml:"response"`
}

type tableFile struct {
	Services []serviceEntry `yaml:"services"`
}

type serviceEntry struct {
	ID         *uint8           `yaml:"id"`
	Name       string           `yaml:"name"`
	Parameters map[string]Entry `yaml:"parameters"`
}

func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("odx: read %s: %w", path, err)
	}
	return ParseTable(b)
}

// ParseTable decodes a YAML table. A service may be given by id or ISO
// name.
func ParseTable(b []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	t := &Table{services: make(map[byte]map[string]Entry)}
	for i, s := range f.Services {
		var sid byte
		switch {
		case s.ID != nil:
			sid = *s.ID
		case s.Name != "":
			id, ok := ServiceID(s.Name)
			if !ok {
				return nil, fmt.Errorf("%w: services[%d]: unknown service name %q", ErrInvalidTable, i, s.Name)
			}
			sid = id
		default:
			return nil, fmt.Errorf("%w: services[%d]: id or name required", ErrInvalidTable, i)
		}
		params := t.services[sid]
		if params == nil {
			params = make(map[string]Entry)
			t.services[sid] = params
		}
		for name, e := range s.Parameters {
			params[name] = e
		}
	}
	return t, nil
}

func (t *Table) CodedValues(service byte, parameter string, kind Kind) ([]uint64, error) {
	params, ok := t.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownService, service)
	}
	e, ok := params[parameter]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownParameter, ServiceName(service), parameter)
	}
	values := e.Request
	if kind == PositiveResponse {
		values = e.Response
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s %s.%s", ErrNoCodedValues, kind, ServiceName(service), parameter)
	}
	return append([]uint64(nil), values...), nil
}

// Parameters lists the parameter names known for service, sorted.
func (t *Table) Parameters(service byte) []string {
	out := make([]string, 0, len(t.services[service]))
	for name := range t.services[service] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bytes packs coded values, each as its minimal big-endian encoding. Zero
// is one byte.
func Bytes(values []uint64) []byte {
	var out []byte
	for _, v := range values {
		n := 1
		for x := v >> 8; x > 0; x >>= 8 {
			n++
		}
		for i := n - 1; i >= 0; i-- {
			out = append(out, byte(v>>(8*i)))
		}
	}
	return out
}
