package observers

import (
	"fmt"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Payload values arrive either as published by the engine or decoded from
// JSON, so numbers may be int, int64 or float64.

func payloadString(e engine.Event, key string) string {
	switch v := e.Payload[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func payloadInt(e engine.Event, key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func payloadStrings(e engine.Event, key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}
