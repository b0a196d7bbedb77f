package components

// DeepMerge returns a new map with overlay merged over base. Nested maps are
// merged key by key; any other overlay value replaces the base value. Neither
// input is modified.
func DeepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range overlay {
		if existing, ok := out[k].(map[string]interface{}); ok {
			if next, ok := v.(map[string]interface{}); ok {
				out[k] = DeepMerge(existing, next)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepMerge(val, nil)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
