package builtin

import (
	"context"
	"fmt"
	"time"

	"otto/internal/toolregistry"
)

// NewEcho returns the message argument unchanged. Useful for wiring checks
// and as the canonical happy-path tool.
func NewEcho() toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "echo",
			Description: "Return the given message unchanged.",
			ReadOnly:    true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
				"required":             []any{"message"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			return &toolregistry.Result{Content: args["message"].(string)}, nil
		},
	}
}

// NewSleep pauses for the requested duration, bounded by the configured cap
// and the call context.
func NewSleep(cfg Config) toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "sleep",
			Description: "Pause for the given number of milliseconds.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"duration_ms": map[string]any{
						"type":    "integer",
						"minimum": 0,
						"maximum": cfg.MaxSleepMS,
					},
				},
				"required":             []any{"duration_ms"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			ms := asInt64(args["duration_ms"])
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return &toolregistry.Result{Content: fmt.Sprintf("slept %dms", ms)}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// asInt64 accepts the numeric shapes arguments arrive in: float64 from JSON
// decoding, native ints from Go callers.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

// NewThink records a reasoning step without side effects. The agent loop
// uses it to externalize intermediate thoughts into the event stream.
func NewThink() toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "think",
			Description: "Record a thought. No side effects; returns the thought.",
			ReadOnly:    true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"thought": map[string]any{"type": "string", "minLength": 1},
				},
				"required":             []any{"thought"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			return &toolregistry.Result{
				Content:  "noted",
				Metadata: map[string]any{"thought": args["thought"]},
			}, nil
		},
	}
}
