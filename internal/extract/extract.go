// Package extract implements dotted-path lookups into decoded JSON values.
//
// Response schemas vary across providers and custom deployments; this is the
// one place that makes arbitrary envelopes legible to the engine. Paths are
// dot-separated ("choices.0.delta.content"); integer segments index arrays
// and -1 selects the last element of the array as it currently stands.
// Missing segments never fail a request — they yield the absent value.
package extract

import (
	"strconv"
	"strings"
)

// Get returns the value located by path inside data, or nil when any segment
// is missing or mismatched. data is a decoded JSON value (map[string]any,
// []any, or scalar).
func Get(data any, path string) any {
	if path == "" || data == nil {
		return nil
	}

	current := data
	for _, key := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}

		if idx, err := strconv.Atoi(key); err == nil {
			arr, ok := current.([]any)
			if !ok {
				return nil
			}
			if idx < 0 {
				idx += len(arr)
			}
			if idx < 0 || idx >= len(arr) {
				return nil
			}
			current = arr[idx]
			continue
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil
			}
			current = val
		case []any:
			// A field segment against an array descends into the first
			// element when that element is an object.
			if len(v) == 0 {
				return nil
			}
			obj, ok := v[0].(map[string]any)
			if !ok {
				return nil
			}
			val, ok := obj[key]
			if !ok {
				return nil
			}
			current = val
		default:
			return nil
		}
	}

	return current
}

// GetString returns the located value rendered as a string. Non-string
// scalars are not stringified; absent or non-string values yield "".
func GetString(data any, path string) string {
	v := Get(data, path)
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// GetInt returns the located value as an integer. JSON numbers decode as
// float64; numeric strings are coerced. All other types report absence.
func GetInt(data any, path string) (int, bool) {
	v := Get(data, path)
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(trimmed); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Set writes value at the location addressed by path, creating intermediate
// objects as needed. Array segments navigate existing elements only; a path
// that cannot be satisfied is silently left unwritten, mirroring Get's
// never-fail contract.
func Set(data map[string]any, path string, value any) {
	if path == "" || data == nil {
		return
	}

	keys := strings.Split(path, ".")
	var current any = data

	for _, key := range keys[:len(keys)-1] {
		current = navigate(current, key)
		if current == nil {
			return
		}
	}

	setFinal(current, keys[len(keys)-1], value)
}

func navigate(current any, key string) any {
	if idx, err := strconv.Atoi(key); err == nil {
		arr, ok := current.([]any)
		if !ok {
			return nil
		}
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return nil
		}
		return arr[idx]
	}

	switch v := current.(type) {
	case map[string]any:
		next, ok := v[key]
		if !ok || next == nil {
			created := map[string]any{}
			v[key] = created
			return created
		}
		return next
	case []any:
		if len(v) == 0 {
			return nil
		}
		obj, ok := v[0].(map[string]any)
		if !ok {
			return nil
		}
		next, exists := obj[key]
		if !exists || next == nil {
			created := map[string]any{}
			obj[key] = created
			return created
		}
		return next
	default:
		return nil
	}
}

func setFinal(current any, key string, value any) {
	if idx, err := strconv.Atoi(key); err == nil {
		arr, ok := current.([]any)
		if !ok {
			return
		}
		if idx < 0 {
			idx += len(arr)
		}
		if idx >= 0 && idx < len(arr) {
			arr[idx] = value
		}
		return
	}

	switch v := current.(type) {
	case map[string]any:
		v[key] = value
	case []any:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]any); ok {
				obj[key] = value
			}
		}
	}
}
