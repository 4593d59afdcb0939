package guardrail

import (
	"regexp"
	"strings"

	"otto/internal/redact"
)

// mintedIDPattern matches identifiers the system mints: a lowercase prefix
// plus a 27-character KSUID, or a UUID. They are entropy-dense enough to trip
// the secret-shape heuristics ("task-<ksuid>" even contains "sk-") but are
// not secrets, and event payloads are full of them.
var mintedIDPattern = regexp.MustCompile(
	`\b[a-z]+-[0-9A-Za-z]{27}\b|\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

// Redactor strips secret material from values before they reach the event
// log. It layers a configured denylist of literal secrets on top of the
// key-fragment and value-shape heuristics in the redact package.
type Redactor struct {
	denylist []string
}

// NewRedactor builds a redactor with the given literal denylist.
func NewRedactor(denylist []string) *Redactor {
	filtered := make([]string, 0, len(denylist))
	for _, s := range denylist {
		if strings.TrimSpace(s) != "" {
			filtered = append(filtered, s)
		}
	}
	return &Redactor{denylist: filtered}
}

// Value redacts a single string.
func (r *Redactor) Value(value string) string {
	for _, secret := range r.denylist {
		if strings.Contains(value, secret) {
			value = strings.ReplaceAll(value, secret, redact.Placeholder)
		}
	}
	// Minted ids are exempt from the shape heuristics; paths are long and
	// space-free but not secrets either, so slashes keep a value readable
	// unless the denylist caught it above.
	probe := mintedIDPattern.ReplaceAllString(value, "")
	if redact.LooksLikeSecret(probe) && !strings.ContainsAny(value, "/\\") {
		return redact.Placeholder
	}
	return value
}

// Payload redacts a map destined for an event payload. Keys that look
// sensitive lose their values entirely; string values are scrubbed against
// the denylist and heuristics. Nested maps and slices are walked.
func (r *Redactor) Payload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if redact.IsSensitiveKey(key) {
			out[key] = redact.Placeholder
			continue
		}
		out[key] = r.value(value)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch typed := v.(type) {
	case string:
		return r.Value(typed)
	case map[string]any:
		return r.Payload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}
