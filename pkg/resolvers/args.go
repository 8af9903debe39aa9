package resolvers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrSecretReference is returned when an argument holds a secret reference.
var ErrSecretReference = errors.New("secret references are not allowed in arguments")

// ParseArgumentValue turns a raw argument value into a plain value.
// {"$json": "<text>"} wrappers are decoded, numbers are normalized to int64
// or float64, and {"$secret": ...} references are rejected.
func ParseArgumentValue(raw any) (any, error) {
	if m, ok := raw.(map[string]any); ok && len(m) == 1 {
		if text, ok := m["$json"]; ok {
			s, ok := text.(string)
			if !ok {
				return nil, fmt.Errorf("$json value must be a string, got %T", text)
			}
			dec := json.NewDecoder(bytes.NewReader([]byte(s)))
			dec.UseNumber()
			var decoded any
			if err := dec.Decode(&decoded); err != nil {
				return nil, fmt.Errorf("failed to decode $json value: %w", err)
			}
			return normalizeValue(decoded), nil
		}
		if _, ok := m["$secret"]; ok {
			return nil, ErrSecretReference
		}
	}
	return normalizeValue(raw), nil
}

// normalizeValue converts decoded YAML/JSON values into a canonical form.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(val.String(), 10, 64); err == nil {
			return u
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return normalizeUint(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return normalizeUint(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// normalizeUint keeps values above math.MaxInt64 unsigned.
func normalizeUint(v uint64) any {
	if v > math.MaxInt64 {
		return v
	}
	return int64(v)
}
