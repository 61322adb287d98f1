package uds

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("uds: invalid callback key")

// Callback answers one request. With no Handler it sends Response.
type Callback struct {
	Request  []byte
	Response []byte
	// ResponseData is appended to the derived positive response, zero
	// padded to DataLength bytes.
	ResponseData []byte
	DataLength   int
	// Name is the symbolic "<Service>.<Parameter>" alias, if any.
	Name    string
	Handler func(request []byte, srv *Server)
}

// PositiveResponse is [sid+0x40, rest of request...].
func PositiveResponse(request []byte) []byte {
	if len(request) == 0 {
		return nil
	}
	out := append([]byte(nil), request...)
	out[0] += 0x40
	return out
}

// NegativeResponse is [0x7F, sid, nrc].
func NegativeResponse(sid, nrc byte) []byte {
	return []byte{0x7F, sid, nrc}
}

func (c *Callback) normalize() {
	if c.Response != nil || c.Handler != nil {
		return
	}
	resp := PositiveResponse(c.Request)
	resp = append(resp, c.ResponseData...)
	for i := len(c.ResponseData); i < c.DataLength; i++ {
		resp = append(resp, 0x00)
	}
	c.Response = resp
}

// Key is the hex dispatch key of the request.
func (c *Callback) Key() string { return HexKey(c.Request) }

// Equal compares request, response and alias.
func (c *Callback) Equal(o *Callback) bool {
	if c == nil || o == nil {
		return c == o
	}
	return bytes.Equal(c.Request, o.Request) && bytes.Equal(c.Response, o.Response) && c.Name == o.Name
}

func (c *Callback) clone() Callback {
	out := *c
	out.Request = append([]byte(nil), c.Request...)
	out.Response = append([]byte(nil), c.Response...)
	out.ResponseData = append([]byte(nil), c.ResponseData...)
	return out
}

func (c *Callback) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s(%s)", c.Key(), c.Name)
	}
	return c.Key()
}

// HexKey formats request bytes as "0x" followed by uppercase hex.
func HexKey(b []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(b))
}

// IntBytes is the minimal big-endian encoding of v; zero is one byte.
func IntBytes(v uint64) []byte {
	n := 1
	for x := v >> 8; x > 0; x >>= 8 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// ParseHexKey accepts "0x1011FF", "1011ff" or an odd digit count, which is
// zero padded on the left.
func ParseHexKey(s string) ([]byte, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if h == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidKey, s, err)
	}
	return b, nil
}

// requestBytes converts a raw request key ([]byte, integer or hex string).
func requestBytes(key any) ([]byte, error) {
	switch k := key.(type) {
	case []byte:
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: empty request", ErrInvalidKey)
		}
		return append([]byte(nil), k...), nil
	case string:
		return ParseHexKey(k)
	case int:
		if k < 0 {
			return nil, fmt.Errorf("%w: negative request %d", ErrInvalidKey, k)
		}
		return IntBytes(uint64(k)), nil
	case uint32:
		return IntBytes(uint64(k)), nil
	case uint64:
		return IntBytes(k), nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, key)
	}
}
