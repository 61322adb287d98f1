package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Params holds the free-form constructor parameters of a connector or
// auxiliary as decoded from TOML.
type Params map[string]any

func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

func (p Params) Int(key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("param %s: %v is not an integer", key, x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("param %s: unexpected %T", key, v)
	}
}

func (p Params) Uint32(key string, def uint32) (uint32, error) {
	n, err := p.Int(key, int64(def))
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 0xFFFFFFFF {
		return 0, fmt.Errorf("param %s: %d out of range", key, n)
	}
	return uint32(n), nil
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("param %s: unexpected %T", key, v)
	}
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("param %s: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("param %s: unexpected %T", key, v)
	}
}

// Duration accepts a Go duration string or an integer millisecond count.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return d, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("param %s: unexpected %T", key, v)
	}
}

func (p Params) Uint32s(key string) ([]uint32, error) {
	v, ok := p[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("param %s: expected a list, got %T", key, v)
	}
	out := make([]uint32, 0, len(list))
	for i, item := range list {
		n, err := Params{"item": item}.Uint32("item", 0)
		if err != nil {
			return nil, fmt.Errorf("param %s[%d]: %w", key, i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
