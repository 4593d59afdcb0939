package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"otto/internal/domain"
	"otto/internal/eventlog"
	"otto/internal/guardrail"
	"otto/internal/sandbox"
)

// newHostAPI builds the mediated capability surface for one plugin's worker.
// Each worker gets its own instance so every call is attributed to the
// owning plugin. Anything not registered here does not exist for the plugin.
func (o *Orchestrator) newHostAPI(pluginName string) *sandbox.HostAPI {
	actor := "plugin:" + pluginName
	api := sandbox.NewHostAPI()

	api.Register("events", "append", func(ctx context.Context, args map[string]any) (any, error) {
		act := strings.TrimSpace(stringArg(args, "act"))
		if act == "" {
			return nil, fmt.Errorf("events.append: act is required")
		}
		event := &domain.Event{
			Actor: domain.ActorSandbox,
			Act:   domain.ActPluginEvent,
			Payload: map[string]any{
				"plugin": pluginName,
				"act":    act,
				"data":   args["data"],
			},
		}
		if err := o.store.AppendEvent(event); err != nil {
			return nil, err
		}
		return map[string]any{"id": event.ID}, nil
	})

	api.Register("events", "tail", func(ctx context.Context, args map[string]any) (any, error) {
		limit := intArg(args, "limit", 20)
		if limit > 100 {
			limit = 100
		}
		events, err := o.events.Tail(limit, eventlog.Filter{Act: stringArg(args, "act")})
		if err != nil {
			return nil, err
		}
		return toSerializable(events)
	})

	api.Register("learning", "record", func(ctx context.Context, args map[string]any) (any, error) {
		observation := strings.TrimSpace(stringArg(args, "observation"))
		if observation == "" {
			return nil, fmt.Errorf("learning.record: observation is required")
		}
		confidence := floatArg(args, "confidence", 0.5)
		recorded, err := o.learnings.Record(ctx, &domain.Learning{
			Type:        domain.LearningToolUsage,
			Context:     stringArg(args, "context"),
			Observation: observation,
			Confidence:  confidence,
			Tags:        append(stringSlice(args, "tags"), "plugin:"+pluginName),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": recorded.ID}, nil
	})

	api.Register("learning", "query", func(ctx context.Context, args map[string]any) (any, error) {
		results := o.learnings.Query(stringSlice(args, "tags"), floatArg(args, "min_confidence", 0))
		if limit := intArg(args, "limit", 10); len(results) > limit {
			results = results[:limit]
		}
		return toSerializable(results)
	})

	api.Register("tasks", "create", func(ctx context.Context, args map[string]any) (any, error) {
		description := strings.TrimSpace(stringArg(args, "description"))
		decision := o.guard.Classify(guardrail.Action{
			Tool:        "tasks.create",
			Description: description,
			Actor:       actor,
		})
		if decision.Verdict == guardrail.VerdictDeny {
			return nil, fmt.Errorf("tasks.create denied by guardrail: %s", decision.Reason)
		}
		task, err := o.sched.SubmitTask(&domain.Task{
			Description: description,
			Origin:      domain.OriginAutonomous,
			Priority:    domain.Priority(stringArg(args, "priority")),
			Tags:        append(stringSlice(args, "tags"), "plugin:"+pluginName),
		}, domain.ActorSandbox)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": task.ID, "status": string(task.Status)}, nil
	})

	return api
}

// toSerializable round-trips typed slices through JSON so the sandbox wire
// check sees only plain maps and primitives.
func toSerializable(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func stringSlice(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
