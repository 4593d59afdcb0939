// Package config loads the orchestrator's runtime configuration from
// defaults, an optional YAML file, OTTO_* environment variables and caller
// overrides, in that precedence order. Every value records where it came
// from so `otto status` can explain the effective configuration.
package config

import "time"

// ValueSource identifies which layer supplied a configuration value.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "env"
	SourceOverride ValueSource = "override"
)

// Metadata records provenance for loaded configuration values.
type Metadata struct {
	sources  map[string]ValueSource
	filePath string
	loadedAt time.Time
}

// Source returns the layer that supplied the named field, or SourceDefault.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// FilePath returns the config file that was loaded, if any.
func (m Metadata) FilePath() string { return m.filePath }

// LoopConfig controls the scheduler tick.
type LoopConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// PoolConfig controls the agent worker pool.
type PoolConfig struct {
	Size                int `yaml:"size"`
	MaxAttempts         int `yaml:"max_attempts"`
	RestartBackoffMS    int `yaml:"restart_backoff_ms"`
	RestartBackoffCapMS int `yaml:"restart_backoff_cap_ms"`
	HardKillGraceMS     int `yaml:"hard_kill_grace_ms"`
}

// ToolConfig controls tool invocation limits and the error-window rollback.
type ToolConfig struct {
	TimeoutMS      int   `yaml:"timeout_ms"`
	MaxRetries     int   `yaml:"max_retries"`
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	ErrorThreshold int   `yaml:"error_threshold"`
	ErrorWindowMS  int   `yaml:"error_window_ms"`
	CacheSize      int   `yaml:"cache_size"`
	CacheTTLMS     int   `yaml:"cache_ttl_ms"`
}

// SandboxConfig controls the plugin sandbox runtime.
type SandboxConfig struct {
	LoadTimeoutMS   int   `yaml:"load_timeout_ms"`
	CallTimeoutMS   int   `yaml:"call_timeout_ms"`
	MaxMemoryMiB    int   `yaml:"max_memory_mib"`
	ShutdownGraceMS int   `yaml:"shutdown_grace_ms"`
	MaxSteps        int64 `yaml:"max_steps"`
}

// GuardrailConfig configures the policy engine.
type GuardrailConfig struct {
	AllowedPaths    []string `yaml:"allowed_paths"`
	DeniedPaths     []string `yaml:"denied_paths"`
	DeniedCommands  []string `yaml:"denied_commands"`
	SecretDenylist  []string `yaml:"secret_denylist"`
	MaxCallsPerHour int      `yaml:"max_calls_per_hour"`
	QuotasEnabled   bool     `yaml:"quotas_enabled"`
	MaxBytesWritten int64    `yaml:"max_bytes_written"`
}

// RateLimitConfig bounds per-tool invocation rates.
type RateLimitConfig struct {
	PerToolPerMin int `yaml:"per_tool_per_min"`
}

// RegressionConfig tunes tool metric regression detection.
type RegressionConfig struct {
	BaselineSize   int     `yaml:"baseline_size"`
	WindowSize     int     `yaml:"window_size"`
	LatencyDeltaMS int64   `yaml:"latency_delta_ms"`
	ErrorRateDelta float64 `yaml:"error_rate_delta"`
}

// LearningConfig tunes the learning store.
type LearningConfig struct {
	MinConfidence float64        `yaml:"min_confidence"`
	DecayPerDay   float64        `yaml:"decay_per_day"`
	ReinforceStep float64        `yaml:"reinforce_step"`
	Floor         float64        `yaml:"floor"`
	TopK          int            `yaml:"top_k"`
	Semantic      SemanticConfig `yaml:"semantic"`
}

// SemanticConfig enables vector recall over learnings.
type SemanticConfig struct {
	Enabled    bool   `yaml:"enabled"`
	EmbedModel string `yaml:"embed_model"`
}

// TriggerConfig configures stale-entity triggers and recurring tasks.
type TriggerConfig struct {
	StaleGoalDays    int                `yaml:"stale_goal_days"`
	BlockedTaskHours int                `yaml:"blocked_task_hours"`
	Recurring        []RecurringTrigger `yaml:"recurring"`
}

// RecurringTrigger creates an autonomous task on a cron schedule.
type RecurringTrigger struct {
	Name        string   `yaml:"name"`
	Schedule    string   `yaml:"schedule"`
	Description string   `yaml:"description"`
	Priority    string   `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// SignatureConfig controls HMAC verification of plugin entry bytes.
type SignatureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// LLMConfig points at the external chat-completion collaborator.
type LLMConfig struct {
	Provider   string  `yaml:"provider"`
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	Model      string  `yaml:"model"`
	TimeoutMS  int     `yaml:"timeout_ms"`
	MaxRetries int     `yaml:"max_retries"`
	RateRPS    float64 `yaml:"rate_rps"`
	RateBurst  int     `yaml:"rate_burst"`
}

// AgentConfig bounds the per-task agent loop.
type AgentConfig struct {
	MaxIterations       int `yaml:"max_iterations"`
	ContextBudgetTokens int `yaml:"context_budget_tokens"`
}

// ServerConfig configures the frontend HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	CORS bool   `yaml:"cors"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// EventsConfig tunes event log segments and snapshot cadence.
type EventsConfig struct {
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`
	SnapshotEvery   int   `yaml:"snapshot_every"`
}

// DataConfig roots all persistent state.
type DataConfig struct {
	Root string `yaml:"root"`
}

// Config is the full runtime configuration tree.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Loop       LoopConfig       `yaml:"loop"`
	Pool       PoolConfig       `yaml:"pool"`
	Tool       ToolConfig       `yaml:"tool"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Guardrails GuardrailConfig  `yaml:"guardrails"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Regression RegressionConfig `yaml:"regression"`
	Learning   LearningConfig   `yaml:"learning"`
	Triggers   TriggerConfig    `yaml:"triggers"`
	Signature  SignatureConfig  `yaml:"signature"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Events     EventsConfig     `yaml:"events"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
}

// Duration helpers so callers never multiply milliseconds inline.

func (c LoopConfig) Interval() time.Duration     { return time.Duration(c.IntervalMS) * time.Millisecond }
func (c ToolConfig) Timeout() time.Duration      { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c ToolConfig) ErrorWindow() time.Duration  { return time.Duration(c.ErrorWindowMS) * time.Millisecond }
func (c ToolConfig) CacheTTL() time.Duration     { return time.Duration(c.CacheTTLMS) * time.Millisecond }
func (c SandboxConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutMS) * time.Millisecond
}
func (c SandboxConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}
func (c SandboxConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
func (c PoolConfig) RestartBackoff() time.Duration {
	return time.Duration(c.RestartBackoffMS) * time.Millisecond
}
func (c PoolConfig) RestartBackoffCap() time.Duration {
	return time.Duration(c.RestartBackoffCapMS) * time.Millisecond
}
func (c PoolConfig) HardKillGrace() time.Duration {
	return time.Duration(c.HardKillGraceMS) * time.Millisecond
}
func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }
