package pump

// NormalizeModePayload prepares a mode command's details for the wire.
// Empty values (empty string, null, empty list, empty map) are removed
// recursively, then rssiFilter.threshold is defaulted to -92 when
// absent or empty. Readers reject mode payloads carrying empty fields,
// and an unset RSSI threshold makes them report every tag in radio
// range.
func NormalizeModePayload(details map[string]any) map[string]any {
	cleaned, _ := removeEmptyFields(details).(map[string]any)
	if cleaned == nil {
		cleaned = make(map[string]any)
	}

	rssiFilter, _ := cleaned["rssiFilter"].(map[string]any)
	if rssiFilter == nil {
		rssiFilter = make(map[string]any)
	}
	if isEmptyValue(rssiFilter["threshold"]) {
		rssiFilter["threshold"] = -92
	}
	cleaned["rssiFilter"] = rssiFilter

	return cleaned
}

// removeEmptyFields walks maps and lists, dropping members whose value
// is empty. Emptiness is judged after cleaning, so a map that holds
// only empty members is itself dropped. Scalars pass through unchanged.
func removeEmptyFields(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			cleaned := removeEmptyFields(item)
			if isEmptyValue(cleaned) {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			cleaned := removeEmptyFields(item)
			if isEmptyValue(cleaned) {
				continue
			}
			out = append(out, cleaned)
		}
		return out
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}
