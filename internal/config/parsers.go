package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scenario documents are decoded into generic values: yaml.v3 yields int,
// float64, bool, string, []interface{} and string or interface keyed maps;
// encoding/json yields float64 for every number. The helpers below coerce
// those into typed fields.

// lookupSetting returns the first candidate key present in settings. Keys of
// settings are lowercased by toStringKeyMap, so candidates are matched
// case-insensitively.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

func asString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int, int64, uint64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", value)
	}
}

// asInt accepts whole numbers only; "2.5" virtual users is an error rather
// than a silent truncation.
func asInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return 0, fmt.Errorf("%d is out of range", v)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%g is not a whole number", v)
		}
		return int(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func asFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func asBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return false, nil
		}
		return strconv.ParseBool(s)
	default:
		return false, fmt.Errorf("expected true or false, got %T", value)
	}
}

// asDuration parses Go/k6 duration strings ("30s", "0.5s", "2m", "1m30s").
// Bare numbers, including numeric strings, are milliseconds.
func asDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return millis(ms), nil
		}
		return time.ParseDuration(s)
	case int:
		return millis(float64(v)), nil
	case int64:
		return millis(float64(v)), nil
	case float64:
		return millis(v), nil
	default:
		return 0, fmt.Errorf("expected a duration, got %T", value)
	}
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// asStringMap decodes headers and gRPC metadata. Keys keep their case;
// callers canonicalize them for the protocol.
func asStringMap(value interface{}) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	result := map[string]string{}
	err := eachEntry(value, func(key string, val interface{}) error {
		if key == "" {
			return fmt.Errorf("empty key")
		}
		s, err := asString(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		result[key] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// asStringSlice accepts a list or a single string, so a threshold may be
// written as `p(95)<500` or `["p(95)<500", "max<2000"]`.
func asStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			s, err := asString(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			result[i] = s
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", value)
	}
}

func toInterfaceSlice(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", value)
	}
}

// toStringKeyMap lowercases and trims the keys of a document mapping so that
// `preAllocatedVUs`, `preallocatedvus` and `PreAllocatedVUs` are equivalent.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	err := eachEntry(value, func(key string, val interface{}) error {
		result[strings.ToLower(key)] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// eachEntry walks a decoded mapping with trimmed string keys.
func eachEntry(value interface{}, fn func(key string, val interface{}) error) error {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if err := fn(strings.TrimSpace(key), val); err != nil {
				return err
			}
		}
	case map[interface{}]interface{}:
		for key, val := range v {
			s, err := asString(key)
			if err != nil {
				return fmt.Errorf("map key: %w", err)
			}
			if err := fn(strings.TrimSpace(s), val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("expected map, got %T", value)
	}
	return nil
}
