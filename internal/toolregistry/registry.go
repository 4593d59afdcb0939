package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sergi/go-diff/diffmatchpatch"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/guardrail"
	"otto/internal/logging"
	"otto/internal/observability"
)

// truncationSuffix is appended to any output cut at the byte cap, so a
// truncated result is never mistaken for a complete one.
const truncationSuffix = "\n...[output truncated]"

// EventSink receives the start/finish/error events the pipeline emits.
type EventSink interface {
	AppendEvent(event *domain.Event) error
}

// Approvals is the gate the pipeline blocks on when guardrails demand one.
type Approvals interface {
	Request(approval *domain.Approval) (string, error)
	WaitDecision(ctx context.Context, id string) (*domain.Approval, error)
}

// Reverter restores a plugin's last-known-good entry bytes and reloads it.
// Wired by the orchestrator; nil disables rollback.
type Reverter interface {
	RevertPlugin(ctx context.Context, name string) (previous, restored []byte, err error)
}

// Options wires the registry's collaborators and limits.
type Options struct {
	Guard     *guardrail.Engine
	Approvals Approvals
	Events    EventSink
	Metrics   *observability.MetricsCollector
	Reverter  Reverter
	Logger    logging.Logger

	// Timeout bounds a single dispatch; zero means no per-call deadline.
	Timeout time.Duration
	// MaxOutputBytes caps result content; zero disables the cap.
	MaxOutputBytes int64

	// ErrorThreshold failures within ErrorWindow trigger a plugin rollback.
	ErrorThreshold int
	ErrorWindow    time.Duration

	Regression RegressionOptions
	Cache      CacheOptions
}

type registered struct {
	tool     Tool
	def      Definition
	schema   *jsonschema.Schema
	caller   PluginCaller
	stats    *toolStats
	failures *failureWindow
	// reverted marks a plugin tool already rolled back once; a second
	// regression only reports.
	reverted bool
}

// Registry is the tool catalogue and invocation pipeline.
type Registry struct {
	opts  Options
	cache *resultCache

	mu    sync.RWMutex
	tools map[string]*registered
}

// New builds an empty registry.
func New(opts Options) *Registry {
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 3
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = 5 * time.Minute
	}
	return &Registry{
		opts:  opts,
		cache: newResultCache(opts.Cache),
		tools: map[string]*registered{},
	}
}

// Register adds a native tool. The declared schema is compiled once here so
// a malformed schema fails registration, not the first call.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	schema, err := compileSchema(def.Name, def.Schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &registered{
		tool:     tool,
		def:      def,
		schema:   schema,
		stats:    newToolStats(r.opts.Regression),
		failures: newFailureWindow(r.opts.ErrorWindow),
	}
	r.emit(domain.ActorSystem, domain.ActToolRegistered, "", map[string]any{
		"tool": def.Name, "native": true,
	})
	return nil
}

// RegisterPluginTools exposes a loaded plugin's declared tools, dispatching
// each through the plugin's sandbox worker. Tool names are prefixed with the
// plugin name to keep the namespace collision-free.
func (r *Registry) RegisterPluginTools(pluginName string, decls []domain.PluginToolDecl, caller PluginCaller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, decl := range decls {
		name := pluginName + "." + decl.Name
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool already registered: %s", name)
		}
		schema, err := compileSchema(name, decl.Schema)
		if err != nil {
			return err
		}
		r.tools[name] = &registered{
			def: Definition{
				Name:        name,
				Description: decl.Description,
				Schema:      decl.Schema,
				ReadOnly:    decl.ReadOnly,
				Plugin:      pluginName,
			},
			schema:   schema,
			caller:   caller,
			stats:    newToolStats(r.opts.Regression),
			failures: newFailureWindow(r.opts.ErrorWindow),
		}
		r.emit(domain.ActorSystem, domain.ActToolRegistered, "", map[string]any{
			"tool": name, "plugin": pluginName,
		})
	}
	return nil
}

// UnregisterPlugin removes every tool owned by a plugin, typically on unload.
func (r *Registry) UnregisterPlugin(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.tools {
		if reg.def.Plugin == pluginName {
			delete(r.tools, name)
		}
	}
}

// List returns the catalogue sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Stats returns the counters for one tool.
func (r *Registry) Stats(name string) (Snapshot, bool) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return reg.stats.snapshot(), true
}

// Invoke runs the full pipeline for one tool call.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, caller Caller) (*Result, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	if err := r.classify(ctx, reg, args, caller); err != nil {
		r.emitToolError(reg, caller, err, 0)
		return nil, err
	}
	if err := validateArgs(reg, args); err != nil {
		r.emitToolError(reg, caller, err, 0)
		return nil, err
	}

	if reg.def.ReadOnly {
		if result, ok := r.cache.get(name, args); ok {
			return result, nil
		}
	}

	r.emit(domain.ActorAssistant, domain.ActToolStart, caller.TraceID, map[string]any{
		"tool": name, "task_id": caller.TaskID, "actor": caller.Actor,
	})

	start := time.Now()
	result, err := r.dispatch(ctx, reg, args)
	elapsed := time.Since(start)

	r.observe(ctx, reg, elapsed, err)
	if err != nil {
		r.emitToolError(reg, caller, err, elapsed)
		return nil, err
	}

	result = r.capOutput(result)
	if reg.def.ReadOnly {
		r.cache.put(name, args, result)
	}
	r.emit(domain.ActorAssistant, domain.ActToolFinish, caller.TraceID, map[string]any{
		"tool":       name,
		"task_id":    caller.TaskID,
		"elapsed_ms": elapsed.Milliseconds(),
		"truncated":  result.Truncated,
	})
	return result, nil
}

// classify runs the guardrail step, creating and optionally awaiting an
// approval when the verdict demands one.
func (r *Registry) classify(ctx context.Context, reg *registered, args map[string]any, caller Caller) error {
	if r.opts.Guard == nil {
		return nil
	}
	decision := r.opts.Guard.Classify(guardrail.Action{
		Tool:  reg.def.Name,
		Args:  args,
		Actor: caller.Actor,
	})
	switch decision.Verdict {
	case guardrail.VerdictAllow:
		return nil
	case guardrail.VerdictDeny:
		if strings.HasPrefix(decision.Rule, "rate_limit") {
			return otterrors.RateLimited(reg.def.Name, decision.RetryAfter)
		}
		return otterrors.GuardrailDenied(decision.Rule, reg.def.Name, decision.Reason)
	}

	if r.opts.Approvals == nil {
		return otterrors.ApprovalRequired("", string(decision.Level), decision.Reason)
	}
	id, err := r.opts.Approvals.Request(&domain.Approval{
		TaskID: caller.TaskID,
		Type:   domain.ApprovalDestructiveAction,
		Level:  decision.Level,
		Reason: decision.Reason,
		Payload: map[string]any{
			"tool": reg.def.Name,
			"rule": decision.Rule,
		},
	})
	if err != nil {
		return err
	}
	if !caller.AwaitApproval {
		return otterrors.ApprovalRequired(id, string(decision.Level), decision.Reason)
	}

	approval, err := r.opts.Approvals.WaitDecision(ctx, id)
	if err != nil {
		return err
	}
	if approval.Decision != domain.DecisionApproved {
		return otterrors.GuardrailDenied(decision.Rule, reg.def.Name,
			fmt.Sprintf("approval %s rejected by %s", id, approval.DecidedBy))
	}
	return nil
}

func (r *Registry) dispatch(ctx context.Context, reg *registered, args map[string]any) (*Result, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	if reg.caller != nil {
		export := strings.TrimPrefix(reg.def.Name, reg.def.Plugin+".")
		raw, err := reg.caller.Call(ctx, export, args)
		if err != nil {
			return nil, err
		}
		return pluginResult(raw), nil
	}
	return reg.tool.Execute(ctx, args)
}

// pluginResult normalizes whatever shape a plugin returned into a Result.
func pluginResult(raw any) *Result {
	switch typed := raw.(type) {
	case nil:
		return &Result{}
	case string:
		return &Result{Content: typed}
	case map[string]any:
		if content, ok := typed["content"].(string); ok {
			return &Result{Content: content, Metadata: typed}
		}
		encoded, _ := json.Marshal(typed)
		return &Result{Content: string(encoded), Metadata: typed}
	default:
		encoded, _ := json.Marshal(typed)
		return &Result{Content: string(encoded)}
	}
}

// observe feeds metrics, regression detection and the error-window rollback.
func (r *Registry) observe(ctx context.Context, reg *registered, elapsed time.Duration, callErr error) {
	status := "ok"
	if callErr != nil {
		status = "error"
	}
	r.opts.Metrics.RecordToolExecution(ctx, reg.def.Name, status, elapsed)

	regressed, reason := reg.stats.record(elapsed, callErr != nil)
	if regressed {
		r.onRegression(ctx, reg, reason)
	}

	if callErr != nil && reg.def.Plugin != "" {
		if count := reg.failures.add(time.Now()); count >= r.opts.ErrorThreshold {
			r.rollback(ctx, reg, fmt.Sprintf("%d failures within %s", count, r.opts.ErrorWindow))
			reg.failures.reset()
		}
	}
}

// onRegression reverts a self-extended plugin tool to its previously signed
// bytes; anything else is only marked and reported.
func (r *Registry) onRegression(ctx context.Context, reg *registered, reason string) {
	r.emit(domain.ActorSystem, domain.ActRegressionDetected, "", map[string]any{
		"tool":   reg.def.Name,
		"reason": reason,
	})
	r.opts.Logger.Warn("tool %s regressed: %s", reg.def.Name, reason)

	r.mu.Lock()
	shouldRevert := reg.def.Plugin != "" && !reg.reverted
	if shouldRevert {
		reg.reverted = true
	}
	r.mu.Unlock()
	if shouldRevert {
		r.rollback(ctx, reg, "metric regression: "+reason)
	}
}

// rollback restores the owning plugin's last-known-good entry and emits a
// tool_reverted event carrying a unified diff preview of what changed.
func (r *Registry) rollback(ctx context.Context, reg *registered, reason string) {
	if r.opts.Reverter == nil || reg.def.Plugin == "" {
		return
	}
	previous, restored, err := r.opts.Reverter.RevertPlugin(ctx, reg.def.Plugin)
	if err != nil {
		r.opts.Logger.Error("rollback of plugin %s failed: %v", reg.def.Plugin, err)
		return
	}
	r.emit(domain.ActorSystem, domain.ActToolReverted, "", map[string]any{
		"tool":   reg.def.Name,
		"plugin": reg.def.Plugin,
		"reason": reason,
		"diff":   diffPreview(previous, restored),
	})
	r.opts.Logger.Warn("plugin %s reverted: %s", reg.def.Plugin, reason)
}

// diffPreview renders a bounded line diff between the reverted and restored
// source, for the event payload.
func diffPreview(previous, restored []byte) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(previous), string(restored))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var buf bytes.Buffer
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
			if buf.Len() > 4096 {
				buf.WriteString("...[diff truncated]\n")
				return buf.String()
			}
		}
	}
	return buf.String()
}

func (r *Registry) capOutput(result *Result) *Result {
	if result == nil {
		return &Result{}
	}
	limit := r.opts.MaxOutputBytes
	if limit <= 0 || int64(len(result.Content)) <= limit {
		return result
	}
	result.OriginalBytes = int64(len(result.Content))
	result.Content = result.Content[:limit] + truncationSuffix
	result.Truncated = true
	return result
}

func (r *Registry) emit(actor domain.Actor, act, traceID string, payload map[string]any) {
	if r.opts.Events == nil {
		return
	}
	if err := r.opts.Events.AppendEvent(&domain.Event{
		Actor:   actor,
		Act:     act,
		TraceID: traceID,
		Payload: payload,
	}); err != nil {
		r.opts.Logger.Error("event append failed for %s: %v", act, err)
	}
}

func (r *Registry) emitToolError(reg *registered, caller Caller, callErr error, elapsed time.Duration) {
	payload := map[string]any{
		"tool":    reg.def.Name,
		"task_id": caller.TaskID,
		"error":   callErr.Error(),
	}
	if kind := otterrors.KindOf(callErr); kind != "" {
		payload["kind"] = string(kind)
	}
	if elapsed > 0 {
		payload["elapsed_ms"] = elapsed.Milliseconds()
	}
	r.emit(domain.ActorAssistant, domain.ActToolError, caller.TraceID, payload)
}

// compileSchema turns a declared schema map into a compiled validator. The
// map round-trips through JSON so numeric literals take the types the
// validator expects.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: schema not serializable: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("tool %s: malformed schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("tool %s: schema does not compile: %w", name, err)
	}
	return compiled, nil
}

func validateArgs(reg *registered, args map[string]any) error {
	if reg.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so int arguments validate the same as JSON-decoded ones.
	encoded, err := json.Marshal(args)
	if err != nil {
		return otterrors.SchemaInvalid(reg.def.Name, []string{"arguments not serializable"})
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return otterrors.SchemaInvalid(reg.def.Name, []string{err.Error()})
	}
	if err := reg.schema.Validate(doc); err != nil {
		return otterrors.SchemaInvalid(reg.def.Name, schemaIssues(err))
	}
	return nil
}

// schemaIssues flattens a validation error into its leaf causes.
func schemaIssues(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, v.Error())
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}
