package eventstore

import "time"

// dateLayouts lists the formats sanitizePayload recognizes as dates worth
// normalizing to RFC3339 UTC. Order matters: the first layout that parses
// wins.
var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// sanitizePayload recursively strips nil values and normalizes date-like
// strings and time.Time values to ISO-8601 UTC, per the event payload
// invariant (no undefined/null, dates normalized).
func sanitizePayload(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, child := range val {
			if child == nil {
				continue
			}

			out[k] = sanitizePayload(child)
		}

		return out
	case []any:
		out := make([]any, 0, len(val))

		for _, child := range val {
			if child == nil {
				continue
			}

			out = append(out, sanitizePayload(child))
		}

		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case string:
		if normalized, ok := normalizeDateString(val); ok {
			return normalized
		}

		return val
	default:
		return val
	}
}

func normalizeDateString(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), true
		}
	}

	return "", false
}

// SanitizePayload is the exported entry point Append/AppendBatch apply to
// every event payload before it is persisted.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}

	sanitized := sanitizePayload(payload)

	out, ok := sanitized.(map[string]any)
	if !ok {
		return map[string]any{}
	}

	return out
}
