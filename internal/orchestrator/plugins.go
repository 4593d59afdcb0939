package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"otto/internal/domain"
	"otto/internal/sandbox"
)

// loadApprovedPlugins spawns a sandbox worker for every approved plugin.
// Load failures are reported through the event log and skipped; one broken
// plugin must not keep the orchestrator from starting.
func (o *Orchestrator) loadApprovedPlugins(ctx context.Context) {
	installed, err := o.plugins.List()
	if err != nil {
		o.obs.Error("plugin listing failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range installed {
		if !p.Approved {
			continue
		}
		name := p.Name
		g.Go(func() error {
			if err := o.LoadPlugin(gctx, name); err != nil {
				o.obs.Warn("plugin load skipped", "plugin", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// watchPluginApprovals reacts to decided plugin-review approvals: an
// approved plugin is marked approved in the registry and loaded, a rejected
// one stays installed but never loads. The server only opens the approval;
// acting on the decision happens here.
func (o *Orchestrator) watchPluginApprovals(ctx context.Context) {
	events, cancel := o.events.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Act != domain.ActApprovalDecided {
				continue
			}
			id, _ := event.Payload["approval_id"].(string)
			approval, found := o.approvals.Get(id)
			if !found || approval.Type != domain.ApprovalPlugin {
				continue
			}
			name, _ := approval.Payload["plugin"].(string)
			if name == "" {
				continue
			}
			if approval.Decision != domain.DecisionApproved {
				o.obs.Info("plugin review rejected", "plugin", name, "by", approval.DecidedBy)
				continue
			}
			if err := o.plugins.Approve(name, approval.DecidedBy, false); err != nil {
				o.obs.Error("plugin approve failed", "plugin", name, "error", err)
				continue
			}
			if err := o.LoadPlugin(ctx, name); err != nil {
				o.obs.Warn("approved plugin failed to load", "plugin", name, "error", err)
			}
		}
	}
}

// LoadPlugin verifies, spawns and loads one plugin, then exposes its
// declared tools. An already-loaded plugin is replaced; its old worker is
// shut down after the new one is serving.
func (o *Orchestrator) LoadPlugin(ctx context.Context, name string) error {
	entry, err := o.plugins.VerifyLoadable(name)
	if err != nil {
		o.emitLoadFailed(name, "verify", err)
		return err
	}
	manifest, err := o.plugins.Manifest(name)
	if err != nil {
		o.emitLoadFailed(name, "manifest", err)
		return err
	}

	worker, err := sandbox.Spawn(name, o.newHostAPI(name), sandbox.Options{
		BinPath:       o.sandboxBin,
		Args:          o.sandboxArgs,
		LoadTimeout:   o.cfg.Sandbox.LoadTimeout(),
		CallTimeout:   o.cfg.Sandbox.CallTimeout(),
		ShutdownGrace: o.cfg.Sandbox.ShutdownGrace(),
		MaxMemoryMiB:  o.cfg.Sandbox.MaxMemoryMiB,
		MaxSteps:      o.cfg.Sandbox.MaxSteps,
		Logger:        o.componentLogger("sandbox"),
		Redactor:      o.guard.Redactor(),
		ExtraEnv:      o.sandboxEnv,
	})
	if err != nil {
		o.emitLoadFailed(name, "spawn", err)
		return err
	}

	exports, err := worker.Load(ctx, string(entry))
	if err != nil {
		worker.Kill()
		o.emitLoadFailed(name, "load", err)
		return err
	}
	if err := checkExports(manifest.Tools, exports); err != nil {
		worker.Kill()
		o.emitLoadFailed(name, "exports", err)
		return err
	}

	// Swap before registering so a concurrent revert sees the new worker.
	o.mu.Lock()
	previous := o.workers[name]
	o.workers[name] = worker
	o.mu.Unlock()
	if previous != nil {
		o.tools.UnregisterPlugin(name)
		previous.Shutdown()
	}

	if err := o.tools.RegisterPluginTools(name, manifest.Tools, worker); err != nil {
		o.mu.Lock()
		delete(o.workers, name)
		o.mu.Unlock()
		worker.Kill()
		o.emitLoadFailed(name, "register", err)
		return err
	}

	o.emit(domain.ActPluginLoaded, map[string]any{
		"plugin":  name,
		"version": manifest.Version,
		"tools":   len(manifest.Tools),
	})
	return nil
}

// UnloadPlugin removes the plugin's tools and stops its worker.
func (o *Orchestrator) UnloadPlugin(name string) {
	o.tools.UnregisterPlugin(name)

	o.mu.Lock()
	worker := o.workers[name]
	delete(o.workers, name)
	o.mu.Unlock()
	if worker == nil {
		return
	}
	worker.Shutdown()
	o.emit(domain.ActPluginUnloaded, map[string]any{"plugin": name})
}

// RevertPlugin restores the plugin's last-known-good entry bytes and reloads
// it. This is the rollback path the tool registry takes when a plugin tool
// regresses or crosses the error threshold.
func (o *Orchestrator) RevertPlugin(ctx context.Context, name string) (previous, restored []byte, err error) {
	previous, restored, err = o.plugins.RevertToLastKnownGood(name)
	if err != nil {
		return nil, nil, err
	}
	o.UnloadPlugin(name)
	if err := o.LoadPlugin(ctx, name); err != nil {
		return previous, restored, fmt.Errorf("reload after revert: %w", err)
	}
	return previous, restored, nil
}

// checkExports demands that every declared tool is backed by a loaded
// function. Extra exports are allowed; missing ones are a manifest lie.
func checkExports(decls []domain.PluginToolDecl, exports []string) error {
	available := make(map[string]bool, len(exports))
	for _, name := range exports {
		available[name] = true
	}
	for _, decl := range decls {
		if !available[decl.Name] {
			return fmt.Errorf("manifest declares tool %q but the entry exports no such function", decl.Name)
		}
	}
	return nil
}

func (o *Orchestrator) emitLoadFailed(name, stage string, cause error) {
	o.emit(domain.ActPluginLoadFailed, map[string]any{
		"plugin": name,
		"stage":  stage,
		"error":  cause.Error(),
	})
}

func (o *Orchestrator) emit(act string, payload map[string]any) {
	if err := o.store.AppendEvent(&domain.Event{
		Actor:   domain.ActorSystem,
		Act:     act,
		Payload: payload,
	}); err != nil {
		o.obs.Error("event append failed", "act", act, "error", err)
	}
}
