package uds

import (
	"fmt"

	"github.com/danmuck/benchctl/internal/odx"
	"github.com/rs/zerolog/log"
)

// SymbolicRequest names a request by service id and ODX parameter.
type SymbolicRequest struct {
	Service   byte
	Parameter string
}

// SymbolicResponse names a response by parameter and value, or a negative
// response code when Negative is set.
type SymbolicResponse struct {
	Parameter string
	// Value is appended after the coded response: string as ASCII,
	// []byte as is, integers in minimal big-endian form.
	Value    any
	Negative bool
	NRC      byte
}

// Negative builds a negative SymbolicResponse.
func Negative(nrc byte) *SymbolicResponse {
	return &SymbolicResponse{Negative: true, NRC: nrc}
}

// ServiceMismatchError reports coded values whose leading service id does
// not match the requested service.
type ServiceMismatchError struct {
	Given  byte
	Parsed byte
}

func (e *ServiceMismatchError) Error() string {
	return fmt.Sprintf("Given SID %d does not match parsed SID %d", e.Given, e.Parsed)
}

func aliasName(service byte, parameter string) string {
	if parameter == "" {
		return ""
	}
	name := odx.ServiceName(service)
	if name == "" {
		name = fmt.Sprintf("0x%02X", service)
	}
	return name + "." + parameter
}

func valueBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(x), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case int:
		if x < 0 {
			return nil, fmt.Errorf("uds: negative response value %d", x)
		}
		return IntBytes(uint64(x)), nil
	case uint64:
		return IntBytes(x), nil
	default:
		return nil, fmt.Errorf("uds: unsupported response value type %T", v)
	}
}

func (s *Server) coded(service byte, parameter string, kind odx.Kind) ([]byte, error) {
	if s.resolver == nil {
		return nil, ErrNoResolver
	}
	values, err := s.resolver.CodedValues(service, parameter, kind)
	if err != nil {
		return nil, err
	}
	want := service
	if kind == odx.PositiveResponse {
		want += 0x40
	}
	if values[0] != uint64(want) {
		err := &ServiceMismatchError{Given: want, Parsed: byte(values[0])}
		log.Error().Str("aux", s.cfg.Name).Err(err).Msg("uds: coded values do not match service")
		return nil, err
	}
	return odx.Bytes(values), nil
}

// fromSymbolic derives a concrete callback. req is either []byte-like or
// a SymbolicRequest; resp may be nil.
func (s *Server) fromSymbolic(sym *SymbolicRequest, raw []byte, resp *SymbolicResponse) (*Callback, error) {
	cb := &Callback{}
	var service byte
	var parameter string
	if sym != nil {
		service, parameter = sym.Service, sym.Parameter
		req, err := s.coded(service, parameter, odx.Request)
		if err != nil {
			return nil, err
		}
		cb.Request = req
	} else {
		cb.Request = raw
		service = raw[0]
	}
	if resp != nil && resp.Parameter != "" && parameter == "" {
		parameter = resp.Parameter
	}
	cb.Name = aliasName(service, parameter)

	switch {
	case resp == nil:
		cb.Response = PositiveResponse(cb.Request)
	case resp.Negative:
		cb.Response = NegativeResponse(service, resp.NRC)
	default:
		coded, err := s.coded(service, parameter, odx.PositiveResponse)
		if err != nil {
			return nil, err
		}
		value, err := valueBytes(resp.Value)
		if err != nil {
			return nil, err
		}
		cb.Response = append(coded, value...)
	}
	return cb, nil
}
