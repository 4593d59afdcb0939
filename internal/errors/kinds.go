package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies orchestrator failures. Kinds travel with errors as typed
// values so callers can branch on them without string matching.
type Kind string

const (
	KindGuardrailDenied     Kind = "guardrail_denied"
	KindApprovalRequired    Kind = "approval_required"
	KindSchemaInvalid       Kind = "schema_invalid"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindWorkerCrashed       Kind = "worker_crashed"
	KindSandboxCrashed      Kind = "sandbox_crashed"
	KindLoadTimeout         Kind = "load_timeout"
	KindNotApproved         Kind = "not_approved"
	KindSignatureMismatch   Kind = "signature_mismatch"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindIllegalTransition   Kind = "illegal_transition"
	KindDecompositionFailed Kind = "decomposition_failed"
	KindRegression          Kind = "regression"
	KindNotSerializable     Kind = "not_serializable"
	KindUnknownAPI          Kind = "unknown_api"
)

// Error is the orchestrator's typed error. Meta carries kind-specific fields
// (rule names, approval ids, reset hints) that event payloads and API
// responses surface to users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	TraceID string
	Meta    map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two typed errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithTrace attaches a trace id for user-visible reporting.
func (e *Error) WithTrace(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// E builds a typed error.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain, or "" when untyped.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// HasKind reports whether the error chain carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Meta extracts the metadata map from a typed error chain, or nil.
func Meta(err error) map[string]any {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Meta
	}
	return nil
}

// GuardrailDenied reports an action refused by a guardrail rule.
func GuardrailDenied(rule, action, reason string) *Error {
	return &Error{
		Kind:    KindGuardrailDenied,
		Message: reason,
		Meta:    map[string]any{"rule": rule, "action": action},
	}
}

// ApprovalRequired pauses an action behind a pending approval.
func ApprovalRequired(approvalID, level, reason string) *Error {
	return &Error{
		Kind:    KindApprovalRequired,
		Message: reason,
		Meta:    map[string]any{"approval_id": approvalID, "level": level},
	}
}

// SchemaInvalid reports tool arguments that failed schema validation.
func SchemaInvalid(tool string, issues []string) *Error {
	return &Error{
		Kind:    KindSchemaInvalid,
		Message: fmt.Sprintf("arguments for %s failed validation", tool),
		Meta:    map[string]any{"tool": tool, "issues": issues},
	}
}

// RateLimited reports a sliding-window limit hit with a reset hint.
func RateLimited(key string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: fmt.Sprintf("rate limit exceeded for %s", key),
		Meta:    map[string]any{"key": key, "retry_after_ms": retryAfter.Milliseconds()},
	}
}

// OperationTimeout reports an elapsed per-operation deadline.
func OperationTimeout(phase string, elapsed time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out after %s", phase, elapsed),
		Meta:    map[string]any{"phase": phase, "elapsed_ms": elapsed.Milliseconds()},
	}
}

// WorkerCrashed reports an agent worker dying mid-task.
func WorkerCrashed(workerID, taskID string, cause error) *Error {
	return &Error{
		Kind:    KindWorkerCrashed,
		Message: fmt.Sprintf("worker %s crashed while running %s", workerID, taskID),
		Meta:    map[string]any{"worker_id": workerID, "task_id": taskID},
		Err:     cause,
	}
}

// SandboxCrashed reports a sandbox worker process dying with a call in flight.
func SandboxCrashed(plugin string, cause error) *Error {
	return &Error{
		Kind:    KindSandboxCrashed,
		Message: fmt.Sprintf("sandbox for %s crashed", plugin),
		Meta:    map[string]any{"plugin": plugin},
		Err:     cause,
	}
}

// LoadTimeout reports a plugin that failed to signal readiness in time.
func LoadTimeout(plugin string, limit time.Duration) *Error {
	return &Error{
		Kind:    KindLoadTimeout,
		Message: fmt.Sprintf("plugin %s did not load within %s", plugin, limit),
		Meta:    map[string]any{"plugin": plugin, "limit_ms": limit.Milliseconds()},
	}
}

// NotApproved reports a plugin whose recorded approval is missing or stale.
func NotApproved(plugin, version string) *Error {
	return &Error{
		Kind:    KindNotApproved,
		Message: fmt.Sprintf("plugin %s@%s has no valid approval", plugin, version),
		Meta:    map[string]any{"plugin": plugin, "version": version},
	}
}

// SignatureMismatch reports entry bytes that do not match their signature.
func SignatureMismatch(plugin string) *Error {
	return &Error{
		Kind:    KindSignatureMismatch,
		Message: fmt.Sprintf("plugin %s entry bytes do not match recorded signature", plugin),
		Meta:    map[string]any{"plugin": plugin},
	}
}

// StorageUnavailable reports a failed append or fsync on the event store.
func StorageUnavailable(op string, cause error) *Error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: cause}
}

// IllegalTransition reports an update against a terminal entity state.
func IllegalTransition(entity, from, to string) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
		Meta:    map[string]any{"entity": entity, "from": from, "to": to},
	}
}

// DecompositionFailed reports an unusable decomposition response.
func DecompositionFailed(goalID, reason string) *Error {
	return &Error{
		Kind:    KindDecompositionFailed,
		Message: reason,
		Meta:    map[string]any{"goal_id": goalID},
	}
}

// Regression reports a tool whose recent metrics degraded past thresholds.
func Regression(tool, reason string) *Error {
	return &Error{
		Kind:    KindRegression,
		Message: reason,
		Meta:    map[string]any{"tool": tool},
	}
}

// NotSerializable reports a value that cannot cross the sandbox boundary.
func NotSerializable(what string) *Error {
	return &Error{
		Kind:    KindNotSerializable,
		Message: fmt.Sprintf("%s is not JSON-serializable", what),
	}
}

// UnknownAPI reports a host call against an unregistered namespace or method.
func UnknownAPI(namespace, method string) *Error {
	return &Error{
		Kind:    KindUnknownAPI,
		Message: fmt.Sprintf("no host API registered for %s.%s", namespace, method),
		Meta:    map[string]any{"namespace": namespace, "method": method},
	}
}
