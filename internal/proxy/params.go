package proxy

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

type paramRule func(name string, v any) error

var paramRules = map[string]paramRule{
	"temperature":           floatRange(0, 2),
	"top_p":                 floatRange(0, 1),
	"n":                     positiveInt,
	"stream":                isBool,
	"stop":                  stopSequences,
	"max_tokens":            positiveInt,
	"max_completion_tokens": positiveInt,
	"presence_penalty":      floatRange(-2, 2),
	"frequency_penalty":     floatRange(-2, 2),
	"logit_bias":            logitBias,
	"user":                  isString,
}

// AllowedParams returns the names of request parameters accepted in a run
// configuration, sorted.
func AllowedParams() []string {
	names := make([]string, 0, len(paramRules))
	for k := range paramRules {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks every extra request parameter against its
// documented type and range. All violations are reported together.
func ValidateParams(params map[string]any) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		rule, ok := paramRules[k]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown request parameter %q", k))
			continue
		}
		if err := rule(k, params[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatRange(lo, hi float64) paramRule {
	return func(name string, v any) error {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%s must be a number, got %T", name, v)
		}
		if math.IsNaN(f) || f < lo || f > hi {
			return fmt.Errorf("%s must be in [%g, %g], got %g", name, lo, hi, f)
		}
		return nil
	}
}

func positiveInt(name string, v any) error {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return fmt.Errorf("%s must be an integer, got %v", name, v)
	}
	if f <= 0 {
		return fmt.Errorf("%s must be > 0, got %v", name, v)
	}
	return nil
}

func isBool(name string, v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("%s must be a boolean, got %T", name, v)
	}
	return nil
}

func isString(name string, v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("%s must be a string, got %T", name, v)
	}
	return nil
}

func stopSequences(name string, v any) error {
	switch s := v.(type) {
	case string:
		return nil
	case []string:
		if len(s) > 4 {
			return fmt.Errorf("%s accepts at most 4 sequences, got %d", name, len(s))
		}
		return nil
	case []any:
		if len(s) > 4 {
			return fmt.Errorf("%s accepts at most 4 sequences, got %d", name, len(s))
		}
		for i, e := range s {
			if _, ok := e.(string); !ok {
				return fmt.Errorf("%s[%d] must be a string, got %T", name, i, e)
			}
		}
		return nil
	default:
		return fmt.Errorf("%s must be a string or a list of strings, got %T", name, v)
	}
}

func logitBias(name string, v any) error {
	m, ok := stringKeyed(v)
	if !ok {
		return fmt.Errorf("%s must be a map of token id to bias, got %T", name, v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, ok := toFloat(m[k])
		if !ok {
			return fmt.Errorf("%s[%s] must be a number, got %T", name, k, m[k])
		}
		if f < -100 || f > 100 {
			return fmt.Errorf("%s[%s] must be in [-100, 100], got %g", name, k, f)
		}
	}
	return nil
}

// stringKeyed converts decoded YAML or JSON maps into map[string]any.
func stringKeyed(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	case map[string]float64:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeParams rewrites values that encoding/json cannot marshal.
func normalizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if m, ok := v.(map[any]any); ok {
			v, _ = stringKeyed(m)
		}
		out[k] = v
	}
	return out
}
