package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"otto/internal/ident"
	"otto/internal/redact"
)

func TestRedactorStripsDenylistAndSecretShapes(t *testing.T) {
	r := NewRedactor([]string{"hunter2"})

	assert.Equal(t, "deploy with "+redact.Placeholder, r.Value("deploy with hunter2"))
	assert.Equal(t, redact.Placeholder, r.Value("ghp_supersecrettoken1234567890"))
	assert.Equal(t, redact.Placeholder, r.Value("sk-abcdefghijklmnopqrstuvwx"))

	// Paths stay readable.
	assert.Equal(t, "/home/otto/.config/otto.yaml", r.Value("/home/otto/.config/otto.yaml"))
}

func TestRedactorKeepsMintedIdentifiers(t *testing.T) {
	r := NewRedactor(nil)

	// Prefixed KSUIDs are long, space-free and contain "sk-" as a substring;
	// none of that makes them secrets.
	for _, id := range []string{
		ident.NewTaskID(),
		ident.NewEventID(),
		ident.NewApprovalID(),
		ident.NewTraceID(),
		ident.NewCorrelationID(),
	} {
		assert.Equal(t, id, r.Value(id))
	}

	taskID := ident.NewTaskID()
	assert.Equal(t, "task "+taskID+" not found", r.Value("task "+taskID+" not found"))
}

func TestRedactorPayloadWalksNestedValues(t *testing.T) {
	r := NewRedactor([]string{"hunter2"})

	out := r.Payload(map[string]any{
		"api_key":     "irrelevant, the key name decides",
		"description": "rotate hunter2 today",
		"nested": map[string]any{
			"items": []any{"hunter2", "safe"},
		},
	})

	assert.Equal(t, redact.Placeholder, out["api_key"])
	assert.Equal(t, "rotate "+redact.Placeholder+" today", out["description"])
	nested := out["nested"].(map[string]any)
	items := nested["items"].([]any)
	assert.Equal(t, redact.Placeholder, items[0])
	assert.Equal(t, "safe", items[1])
}
