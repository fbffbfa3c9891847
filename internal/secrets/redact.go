package secrets

import "strings"

// RedactedMarker follows the same tagged-marker convention as ENC[age:...]:
// a fixed, greppable prefix instead of silently dropping the field.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveKeys lists the JSON keys signal payloads redact before
// they're handed back to a waiter, matched case-insensitively against each
// key's leaf name.
var DefaultSensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "private_key",
}

// RedactPayload returns a copy of v with any map key matching the sensitive
// list (at any nesting depth) replaced by RedactedMarker. Non-map values and
// slices of maps are walked; everything else passes through unchanged.
func RedactPayload(v any, sensitive []string) any {
	if sensitive == nil {
		sensitive = DefaultSensitiveKeys
	}
	return redactValue(v, sensitive)
}

func redactValue(v any, sensitive []string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if isSensitiveKey(k, sensitive) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redactValue(v, sensitive)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = redactValue(e, sensitive)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string, sensitive []string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitive {
		if lower == s {
			return true
		}
	}
	return false
}
