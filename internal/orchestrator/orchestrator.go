// Package orchestrator is the composition root. It wires the event log,
// entity state, guardrails, approvals, plugin sandbox, tool registry, agent
// pool, scheduler and HTTP server into one runnable system and owns their
// startup and shutdown order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"otto/internal/agent"
	"otto/internal/agentpool"
	"otto/internal/approval"
	"otto/internal/config"
	"otto/internal/decompose"
	"otto/internal/domain"
	"otto/internal/eventlog"
	"otto/internal/guardrail"
	"otto/internal/learning"
	"otto/internal/llm"
	"otto/internal/logging"
	"otto/internal/observability"
	"otto/internal/plugin"
	"otto/internal/sandbox"
	"otto/internal/scheduler"
	"otto/internal/server"
	"otto/internal/state"
	"otto/internal/toolregistry"
	"otto/internal/tools/builtin"
)

// Option customizes construction. Tests use these to swap collaborators
// that would otherwise reach the network or re-exec the binary.
type Option func(*Orchestrator)

// WithClient replaces the configured chat-model client.
func WithClient(client llm.Client) Option {
	return func(o *Orchestrator) { o.client = client }
}

// WithSandboxEnv appends environment entries to spawned sandbox workers.
func WithSandboxEnv(env ...string) Option {
	return func(o *Orchestrator) { o.sandboxEnv = append(o.sandboxEnv, env...) }
}

// WithSandboxBin overrides the worker binary and argv. Tests point this at
// the test binary so workers run without a built otto executable.
func WithSandboxBin(bin string, args ...string) Option {
	return func(o *Orchestrator) {
		o.sandboxBin = bin
		o.sandboxArgs = args
	}
}

// Orchestrator owns every subsystem. Construction wires them; Run starts
// the loops and blocks until the context is cancelled.
type Orchestrator struct {
	cfg     config.Config
	obs     *observability.Logger
	metrics *observability.MetricsCollector

	events    *eventlog.Store
	store     *state.Store
	guard     *guardrail.Engine
	approvals *approval.Queue
	plugins   *plugin.Registry
	tools     *toolregistry.Registry
	learnings *learning.Store
	client    llm.Client
	loop      *agent.Loop
	pool      *agentpool.Pool
	sched     *scheduler.Scheduler
	srv       *server.Server

	sandboxEnv  []string
	sandboxBin  string
	sandboxArgs []string

	mu      sync.Mutex
	workers map[string]*sandbox.Worker

	startedAt time.Time
}

// New builds the full system from configuration. Nothing starts running
// until Run; construction only opens stores and wires collaborators.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		workers:   map[string]*sandbox.Worker{},
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.obs = observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	o.metrics = metrics

	o.guard = guardrail.New(guardrail.Config{
		DeniedCommands:  cfg.Guardrails.DeniedCommands,
		AllowedPaths:    cfg.Guardrails.AllowedPaths,
		DeniedPaths:     cfg.Guardrails.DeniedPaths,
		SecretDenylist:  cfg.Guardrails.SecretDenylist,
		MaxCallsPerHour: cfg.Guardrails.MaxCallsPerHour,
		PerToolPerMin:   cfg.RateLimit.PerToolPerMin,
		QuotasEnabled:   cfg.Guardrails.QuotasEnabled,
		MaxBytesWritten: cfg.Guardrails.MaxBytesWritten,
	})

	events, err := eventlog.Open(cfg.EventsDir(), eventlog.Options{
		SegmentMaxBytes: cfg.Events.SegmentMaxBytes,
		Redactor:        o.guard.Redactor(),
		Logger:          o.componentLogger("eventlog"),
	})
	if err != nil {
		return nil, err
	}
	o.events = events

	store, err := state.Open(events, cfg.SnapshotsDir(), state.Options{
		SnapshotEvery: cfg.Events.SnapshotEvery,
		Logger:        o.componentLogger("state"),
	})
	if err != nil {
		events.Close()
		return nil, err
	}
	o.store = store

	o.approvals = approval.NewQueue(store, o.componentLogger("approval"))

	plugins, err := plugin.Open(cfg.PluginsDir(), plugin.Options{
		SignatureEnabled: cfg.Signature.Enabled,
		SignatureSecret:  cfg.Signature.Secret,
		SignaturesPath:   cfg.ToolSignaturesPath(),
		Logger:           o.componentLogger("plugin"),
	})
	if err != nil {
		o.closeStores()
		return nil, err
	}
	o.plugins = plugins

	o.tools = toolregistry.New(toolregistry.Options{
		Guard:          o.guard,
		Approvals:      o.approvals,
		Events:         store,
		Metrics:        metrics,
		Reverter:       o,
		Logger:         o.componentLogger("tools"),
		Timeout:        cfg.Tool.Timeout(),
		MaxOutputBytes: cfg.Tool.MaxOutputBytes,
		ErrorThreshold: cfg.Tool.ErrorThreshold,
		ErrorWindow:    cfg.Tool.ErrorWindow(),
		Regression: toolregistry.RegressionOptions{
			BaselineSize:   cfg.Regression.BaselineSize,
			WindowSize:     cfg.Regression.WindowSize,
			LatencyDeltaMS: cfg.Regression.LatencyDeltaMS,
			ErrorRateDelta: cfg.Regression.ErrorRateDelta,
		},
		Cache: toolregistry.CacheOptions{
			Enabled: cfg.Tool.CacheSize > 0,
			Size:    cfg.Tool.CacheSize,
			TTL:     cfg.Tool.CacheTTL(),
		},
	})
	if err := builtin.RegisterAll(o.tools, builtin.Config{
		WorkDir:      filepath.Join(cfg.Data.Root, "workspace"),
		MaxFileBytes: cfg.Tool.MaxOutputBytes,
	}); err != nil {
		o.closeStores()
		return nil, err
	}

	learnings, err := o.openLearnings()
	if err != nil {
		o.closeStores()
		return nil, err
	}
	o.learnings = learnings

	if o.client == nil {
		o.client = llm.New(cfg.LLM, o.componentLogger("llm"), metrics)
	}

	o.loop = agent.New(o.client, o.tools, agent.Options{
		MaxIterations:       cfg.Agent.MaxIterations,
		ContextBudgetTokens: cfg.Agent.ContextBudgetTokens,
		Learnings: learningSource{
			store: learnings,
			topK:  cfg.Learning.TopK,
			min:   cfg.Learning.MinConfidence,
		},
		Logger: o.componentLogger("agent"),
	})

	o.pool = agentpool.New(o.loop, agentpool.Options{
		Size:              cfg.Pool.Size,
		MaxAttempts:       cfg.Pool.MaxAttempts,
		RestartBackoff:    cfg.Pool.RestartBackoff(),
		RestartBackoffCap: cfg.Pool.RestartBackoffCap(),
		HardKillGrace:     cfg.Pool.HardKillGrace(),
		Events:            store,
		Metrics:           metrics,
		Logger:            o.componentLogger("pool"),
	})

	o.sched = scheduler.New(store, o.pool, o.approvals, scheduler.Options{
		Interval:         cfg.Loop.Interval(),
		MaxAttempts:      cfg.Pool.MaxAttempts,
		StaleGoalAfter:   time.Duration(cfg.Triggers.StaleGoalDays) * 24 * time.Hour,
		BlockedTaskAfter: time.Duration(cfg.Triggers.BlockedTaskHours) * time.Hour,
		Recurring:        recurringSpecs(cfg.Triggers.Recurring),
		Guard:            o.guard,
		Decomposer:       decompose.New(o.client, o.componentLogger("decompose")),
		Learnings:        learnings,
		Logger:           o.componentLogger("scheduler"),
	})

	o.srv = server.New(server.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		CORS:      cfg.Server.CORS,
		Store:     store,
		Events:    events,
		Approvals: o.approvals,
		Plugins:   plugins,
		Scheduler: o.sched,
		Pool:      o.pool,
		Logger:    o.componentLogger("server"),
		StartedAt: o.startedAt,
	})
	return o, nil
}

// openLearnings opens the learning store, attaching the semantic index when
// the configuration enables it.
func (o *Orchestrator) openLearnings() (*learning.Store, error) {
	var semantic learning.SemanticIndex
	if o.cfg.Learning.Semantic.Enabled {
		index, err := learning.NewChromemIndex(learning.SemanticOptions{
			PersistPath: filepath.Join(o.cfg.Data.Root, "semantic"),
			BaseURL:     o.cfg.LLM.BaseURL,
			APIKey:      o.cfg.LLM.APIKey,
			EmbedModel:  o.cfg.Learning.Semantic.EmbedModel,
		})
		if err != nil {
			return nil, err
		}
		semantic = index
	}
	return learning.Open(o.cfg.LearningsPath(), learning.Options{
		DecayPerDay:   o.cfg.Learning.DecayPerDay,
		ReinforceStep: o.cfg.Learning.ReinforceStep,
		Floor:         o.cfg.Learning.Floor,
		Semantic:      semantic,
		Logger:        o.componentLogger("learning"),
	})
}

// Run starts the server and scheduler, loads every approved plugin, then
// blocks until ctx is cancelled and shuts everything down in reverse order.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.sched.Start(ctx); err != nil {
		return err
	}
	if err := o.srv.Start(); err != nil {
		o.sched.Stop()
		return err
	}
	o.loadApprovedPlugins(ctx)
	go o.watchPluginApprovals(ctx)

	o.obs.Info("orchestrator running",
		"addr", o.srv.Addr(),
		"workers", o.cfg.Pool.Size,
		"data", o.cfg.Data.Root)

	<-ctx.Done()
	return o.Shutdown()
}

// Shutdown stops intake first and flushes state last: server, scheduler,
// pool, sandbox workers, then a final snapshot before the stores close.
func (o *Orchestrator) Shutdown() error {
	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}

	o.sched.Stop()
	o.pool.Shutdown(o.cfg.Pool.HardKillGrace())

	o.mu.Lock()
	workers := o.workers
	o.workers = map[string]*sandbox.Worker{}
	o.mu.Unlock()
	for name, worker := range workers {
		o.tools.UnregisterPlugin(name)
		worker.Shutdown()
	}

	if err := o.store.Snapshot(); err != nil {
		errs = append(errs, fmt.Errorf("snapshot: %w", err))
	}
	if err := o.learnings.Close(); err != nil {
		errs = append(errs, fmt.Errorf("learnings: %w", err))
	}
	if err := o.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("eventlog: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) closeStores() {
	if o.learnings != nil {
		_ = o.learnings.Close()
	}
	if o.events != nil {
		_ = o.events.Close()
	}
}

// Scheduler exposes the write surface for the CLI's in-process commands.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Store exposes read access to entity state.
func (o *Orchestrator) Store() *state.Store { return o.store }

// Approvals exposes the decision queue.
func (o *Orchestrator) Approvals() *approval.Queue { return o.approvals }

// Plugins exposes the plugin registry.
func (o *Orchestrator) Plugins() *plugin.Registry { return o.plugins }

// Tools exposes the tool registry.
func (o *Orchestrator) Tools() *toolregistry.Registry { return o.tools }

// Learnings exposes the learning store.
func (o *Orchestrator) Learnings() *learning.Store { return o.learnings }

// Addr returns the bound HTTP address, empty before Run.
func (o *Orchestrator) Addr() string { return o.srv.Addr() }

func (o *Orchestrator) componentLogger(component string) logging.Logger {
	return logging.FromObservabilityWithComponent(o.obs, component)
}

// learningSource adapts the learning store to the agent's injection surface.
type learningSource struct {
	store *learning.Store
	topK  int
	min   float64
}

func (s learningSource) Relevant(tags []string) []*domain.Learning {
	out := s.store.Query(tags, s.min)
	if s.topK > 0 && len(out) > s.topK {
		out = out[:s.topK]
	}
	return out
}

func recurringSpecs(triggers []config.RecurringTrigger) []scheduler.RecurringSpec {
	specs := make([]scheduler.RecurringSpec, 0, len(triggers))
	for _, t := range triggers {
		specs = append(specs, scheduler.RecurringSpec{
			Name:        t.Name,
			Schedule:    t.Schedule,
			Description: t.Description,
			Priority:    domain.Priority(t.Priority),
			Tags:        t.Tags,
		})
	}
	return specs
}
