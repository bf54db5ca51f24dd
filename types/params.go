package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Params wraps the free-form parameter maps carried by detector and chunker
// configs. Values come from YAML (int, string, []any) or JSON (float64), so
// every accessor normalizes numeric and list shapes.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the string value at key or def.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewConfigurationError("param %q: expected string, got %T", key, v)
	}
	return s, nil
}

// Int returns the integer value at key or def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, NewConfigurationError("param %q: expected integer, got %v", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, NewConfigurationError("param %q: expected integer, got %q", key, n)
		}
		return i, nil
	default:
		return 0, NewConfigurationError("param %q: expected integer, got %T", key, v)
	}
}

// Float returns the float value at key or def.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, NewConfigurationError("param %q: expected number, got %q", key, n)
		}
		return f, nil
	default:
		return 0, NewConfigurationError("param %q: expected number, got %T", key, v)
	}
}

// Bool returns the boolean value at key or def.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, NewConfigurationError("param %q: expected bool, got %q", key, b)
		}
		return parsed, nil
	default:
		return false, NewConfigurationError("param %q: expected bool, got %T", key, v)
	}
}

// Duration accepts Go duration strings or a number of seconds.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, NewConfigurationError("param %q: invalid duration %q", key, d)
		}
		return parsed, nil
	default:
		secs, err := p.Float(key, 0)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
}

// Strings returns a string list. A single string is split on commas.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case string:
		var out []string
		for _, part := range strings.Split(list, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, NewConfigurationError("param %q[%d]: expected string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, NewConfigurationError("param %q: expected list of strings, got %T", key, v)
	}
}

// Map returns a nested mapping.
func (p Params) Map(key string) (map[string]any, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	default:
		return nil, NewConfigurationError("param %q: expected mapping, got %T", key, v)
	}
}
