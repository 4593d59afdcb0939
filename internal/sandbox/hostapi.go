package sandbox

import (
	"context"
	"fmt"
	"sync"

	otterrors "otto/internal/errors"
)

// HostFunc is one mediated capability exposed to plugins.
type HostFunc func(ctx context.Context, args map[string]any) (any, error)

// HostAPI is the registered surface plugins can reach through
// host.call(namespace, method, args). Anything not registered here does not
// exist as far as the sandbox is concerned.
type HostAPI struct {
	mu    sync.RWMutex
	funcs map[string]HostFunc
}

// NewHostAPI returns an empty surface.
func NewHostAPI() *HostAPI {
	return &HostAPI{funcs: map[string]HostFunc{}}
}

// Register exposes one namespace.method to plugins.
func (h *HostAPI) Register(namespace, method string, fn HostFunc) {
	h.mu.Lock()
	h.funcs[namespace+"."+method] = fn
	h.mu.Unlock()
}

// Dispatch routes a host call. Unknown namespaces or methods return
// UnknownAPI as a typed error, which the worker link reports back to the
// plugin as a failed call.
func (h *HostAPI) Dispatch(ctx context.Context, namespace, method string, args map[string]any) (any, error) {
	h.mu.RLock()
	fn, ok := h.funcs[namespace+"."+method]
	h.mu.RUnlock()
	if !ok {
		return nil, otterrors.UnknownAPI(namespace, method)
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := CheckSerializable(result); err != nil {
		return nil, otterrors.NotSerializable(fmt.Sprintf("host %s.%s result", namespace, method))
	}
	return result, nil
}
