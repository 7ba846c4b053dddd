package tomlkeys

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AsBool accepts TOML booleans and the strings true/false.
func AsBool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return parsed, err == nil
	default:
		return false, false
	}
}

// AsInt accepts integer kinds and decimal strings.
func AsInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// AsDuration takes a Go duration string or a number of seconds.
func AsDuration(value any) (time.Duration, error) {
	var seconds float64
	switch typed := value.(type) {
	case string:
		text := strings.TrimSpace(typed)
		parsed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return time.ParseDuration(text)
		}
		seconds = parsed
	case int64:
		seconds = float64(typed)
	case float64:
		seconds = typed
	default:
		return 0, fmt.Errorf("expected duration, got %T", value)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// AsStrings takes a string array or a comma separated string.
func AsStrings(value any) ([]string, bool) {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, len(typed))
		for i, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = text
		}
		return out, true
	case string:
		out := []string{}
		for _, part := range strings.Split(typed, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
