package ident

import "context"

type contextKey string

const (
	taskKey  contextKey = "otto_task_id"
	goalKey  contextKey = "otto_goal_id"
	traceKey contextKey = "otto_trace_id"
	actorKey contextKey = "otto_actor"
)

// IDs captures the identifiers propagated across execution boundaries.
type IDs struct {
	TaskID  string
	GoalID  string
	TraceID string
	Actor   string
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithGoalID stores the goal identifier on the context.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	if goalID == "" {
		return ctx
	}
	return context.WithValue(ctx, goalKey, goalID)
}

// WithTraceID stores the trace identifier on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, traceID)
}

// WithActor stores the acting principal (user id, "scheduler", worker id,
// plugin name) on the context.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// TaskIDFromContext returns the task identifier stored on the context, if any.
func TaskIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, taskKey)
}

// GoalIDFromContext returns the goal identifier stored on the context, if any.
func GoalIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, goalKey)
}

// TraceIDFromContext returns the trace identifier stored on the context, if any.
func TraceIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, traceKey)
}

// ActorFromContext returns the acting principal stored on the context, if any.
func ActorFromContext(ctx context.Context) string {
	return stringFromContext(ctx, actorKey)
}

// FromContext collects every identifier stored on the context.
func FromContext(ctx context.Context) IDs {
	return IDs{
		TaskID:  TaskIDFromContext(ctx),
		GoalID:  GoalIDFromContext(ctx),
		TraceID: TraceIDFromContext(ctx),
		Actor:   ActorFromContext(ctx),
	}
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
