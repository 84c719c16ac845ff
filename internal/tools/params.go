package tools

import (
	"fmt"
	"strconv"
	"strings"
)

// Plan parameters arrive as map[string]interface{} decoded from model output,
// so numbers may be float64, int or a numeric string depending on how the
// JSON was produced. The error wording here is load-bearing: "missing
// required parameter" and "must be" are the phrases the error classifier
// maps to parameter repair.

// stringParam extracts a required non-empty string parameter.
func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("missing required parameter '%s'", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter '%s' must be a string, got %T", key, raw)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing required parameter '%s'", key)
	}
	return s, nil
}

// optionalString extracts a string parameter, falling back to def when the
// key is absent or empty.
func optionalString(params map[string]interface{}, key, def string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter '%s' must be a string, got %T", key, raw)
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}

// optionalFloat extracts a numeric parameter, accepting any JSON numeric
// representation plus numeric strings.
func optionalFloat(params map[string]interface{}, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter '%s' must be a number, got '%s'", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parameter '%s' must be a number, got %T", key, raw)
	}
}

// optionalBool extracts a boolean parameter, accepting bool or the strings
// "true"/"false".
func optionalBool(params map[string]interface{}, key string, def bool) (bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("parameter '%s' must be a boolean, got '%s'", key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("parameter '%s' must be a boolean, got %T", key, raw)
	}
}

// stringMapParam extracts a required map of string keys to string values.
// Values of other scalar types are stringified, which forgives the model
// emitting numbers for numeric form fields.
func stringMapParam(params map[string]interface{}, key string) (map[string]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing required parameter '%s'", key)
	}

	out := make(map[string]string)
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]interface{}:
		for k, v := range m {
			s, err := stringifyScalar(v)
			if err != nil {
				return nil, fmt.Errorf("parameter '%s' must be a map of strings: key '%s' %v", key, k, err)
			}
			out[k] = s
		}
	default:
		return nil, fmt.Errorf("parameter '%s' must be an object mapping selectors to values, got %T", key, raw)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("missing required parameter '%s'", key)
	}
	return out, nil
}

func stringifyScalar(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case bool:
		return strconv.FormatBool(s), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("has unsupported type %T", v)
	}
}
