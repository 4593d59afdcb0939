// Package toolregistry exposes the union of native and plugin-exported tools
// behind a single Invoke pipeline: guardrail classification, JSON Schema
// argument validation, dispatch, event recording and per-tool metrics with
// regression detection and error-window rollback.
package toolregistry

import (
	"context"
)

// Definition describes a registered tool to callers and to the LLM.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	// Schema is a JSON Schema for the argument object. A nil schema accepts
	// any object.
	Schema map[string]any `json:"schema,omitempty"`
	// ReadOnly tools are side-effect free; their results may be cached.
	ReadOnly bool `json:"read_only,omitempty"`
	// Plugin names the owning plugin for sandbox-dispatched tools.
	Plugin string `json:"plugin,omitempty"`
}

// Tool is one invocable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is what a tool produced.
type Result struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Truncated is set when Content was cut at the output cap;
	// OriginalBytes records the pre-truncation size.
	Truncated     bool  `json:"truncated,omitempty"`
	OriginalBytes int64 `json:"original_bytes,omitempty"`
	// Cached marks a result served from the LRU cache.
	Cached bool `json:"cached,omitempty"`
}

// Caller carries the invocation's provenance through the pipeline and into
// events.
type Caller struct {
	Actor   string
	TaskID  string
	TraceID string
	ConvID  string
	// AwaitApproval makes gated invocations block on the approval queue
	// instead of failing fast with ApprovalRequired.
	AwaitApproval bool
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args map[string]any) (*Result, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.Fn(ctx, args)
}

// PluginCaller dispatches a call into the sandbox worker owning a plugin.
type PluginCaller interface {
	Call(ctx context.Context, export string, args map[string]any) (any, error)
}
