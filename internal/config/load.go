package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type loadOptions struct {
	path      string
	envLookup func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	homeDir   func() (string, error)
	overrides []func(*Config)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithPath points Load at an explicit config file instead of the defaults.
func WithPath(path string) Option {
	return func(o *loadOptions) { o.path = path }
}

// WithEnv replaces the environment lookup, used by tests.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader replaces file reads, used by tests.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// WithOverride applies a caller mutation after all other layers.
func WithOverride(fn func(*Config)) Option {
	return func(o *loadOptions) { o.overrides = append(o.overrides, fn) }
}

// Default returns the built-in configuration with every documented default.
func Default() Config {
	return Config{
		Data: DataConfig{Root: "~/.otto"},
		Loop: LoopConfig{IntervalMS: 10000},
		Pool: PoolConfig{
			Size:                3,
			MaxAttempts:         3,
			RestartBackoffMS:    500,
			RestartBackoffCapMS: 30000,
			HardKillGraceMS:     5000,
		},
		Tool: ToolConfig{
			TimeoutMS:      30000,
			MaxRetries:     0,
			MaxOutputBytes: 1 << 20,
			ErrorThreshold: 3,
			ErrorWindowMS:  300000,
			CacheSize:      256,
			CacheTTLMS:     300000,
		},
		Sandbox: SandboxConfig{
			LoadTimeoutMS:   5000,
			CallTimeoutMS:   5000,
			MaxMemoryMiB:    64,
			ShutdownGraceMS: 2000,
			MaxSteps:        2_000_000,
		},
		Guardrails: GuardrailConfig{
			MaxCallsPerHour: 100,
			QuotasEnabled:   false,
			MaxBytesWritten: 64 << 20,
		},
		RateLimit:  RateLimitConfig{PerToolPerMin: 30},
		Regression: RegressionConfig{BaselineSize: 20, WindowSize: 10, LatencyDeltaMS: 50, ErrorRateDelta: 0.05},
		Learning: LearningConfig{
			MinConfidence: 0.6,
			DecayPerDay:   0.02,
			ReinforceStep: 0.05,
			Floor:         0.1,
			TopK:          3,
			Semantic:      SemanticConfig{Enabled: false, EmbedModel: "text-embedding-3-small"},
		},
		Triggers:  TriggerConfig{StaleGoalDays: 3, BlockedTaskHours: 24},
		Signature: SignatureConfig{Enabled: false},
		LLM: LLMConfig{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			TimeoutMS:  120000,
			MaxRetries: 3,
			RateRPS:    0,
			RateBurst:  1,
		},
		Agent:     AgentConfig{MaxIterations: 8, ContextBudgetTokens: 6000},
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8600, CORS: true},
		Metrics:   MetricsConfig{Enabled: true, Port: 0},
		Events:    EventsConfig{SegmentMaxBytes: 4 << 20, SnapshotEvery: 256},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load assembles the effective configuration: defaults, then the YAML file,
// then OTTO_* environment variables, then caller overrides. Missing files are
// not an error; a malformed file is.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return Config{}, Metadata{}, err
	}
	for _, fn := range options.overrides {
		fn(&cfg)
		meta.sources["override"] = SourceOverride
	}

	if err := normalize(&cfg, options); err != nil {
		return Config{}, Metadata{}, err
	}

	// No API key and no local endpoint means no usable LLM; fall back to the
	// mock provider so the daemon still starts and tests run offline.
	if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" && cfg.LLM.Provider != "mock" {
		cfg.LLM.Provider = "mock"
		meta.sources["llm.provider"] = SourceDefault
	}

	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	candidates := []string{options.path}
	if options.path == "" {
		if home, err := options.homeDir(); err == nil {
			candidates = []string{
				filepath.Join(home, ".otto", "config.yaml"),
				filepath.Join(home, ".otto.yaml"),
			}
		}
	}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		data, err := options.readFile(path)
		if err != nil {
			if os.IsNotExist(err) && options.path == "" {
				continue
			}
			if os.IsNotExist(err) {
				return fmt.Errorf("config file %s: %w", path, err)
			}
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		meta.filePath = path
		meta.sources["file"] = SourceFile
		return nil
	}
	return nil
}

// envBindings maps OTTO_* variables onto config fields. String values are
// set verbatim; numeric and boolean values are parsed strictly.
func applyEnv(cfg *Config, meta *Metadata, lookup func(string) (string, bool)) error {
	bind := func(name string, apply func(string) error) error {
		value, ok := lookup(name)
		if !ok || strings.TrimSpace(value) == "" {
			return nil
		}
		if err := apply(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		meta.sources[strings.ToLower(strings.TrimPrefix(name, "OTTO_"))] = SourceEnv
		return nil
	}

	setString := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	setBool := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}
	setFloat := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*dst = f
			return nil
		}
	}

	bindings := []struct {
		name  string
		apply func(string) error
	}{
		{"OTTO_DATA_ROOT", setString(&cfg.Data.Root)},
		{"OTTO_LOOP_INTERVAL_MS", setInt(&cfg.Loop.IntervalMS)},
		{"OTTO_POOL_SIZE", setInt(&cfg.Pool.Size)},
		{"OTTO_POOL_MAX_ATTEMPTS", setInt(&cfg.Pool.MaxAttempts)},
		{"OTTO_TOOL_TIMEOUT_MS", setInt(&cfg.Tool.TimeoutMS)},
		{"OTTO_SANDBOX_MAX_MEMORY_MIB", setInt(&cfg.Sandbox.MaxMemoryMiB)},
		{"OTTO_LLM_PROVIDER", setString(&cfg.LLM.Provider)},
		{"OTTO_LLM_BASE_URL", setString(&cfg.LLM.BaseURL)},
		{"OTTO_LLM_API_KEY", setString(&cfg.LLM.APIKey)},
		{"OTTO_LLM_MODEL", setString(&cfg.LLM.Model)},
		{"OTTO_LLM_RATE_RPS", setFloat(&cfg.LLM.RateRPS)},
		{"OTTO_SERVER_HOST", setString(&cfg.Server.Host)},
		{"OTTO_SERVER_PORT", setInt(&cfg.Server.Port)},
		{"OTTO_METRICS_ENABLED", setBool(&cfg.Metrics.Enabled)},
		{"OTTO_SIGNATURE_ENABLED", setBool(&cfg.Signature.Enabled)},
		{"OTTO_SIGNATURE_SECRET", setString(&cfg.Signature.Secret)},
		{"OTTO_LEARNING_MIN_CONFIDENCE", setFloat(&cfg.Learning.MinConfidence)},
		{"OTTO_LOG_LEVEL", setString(&cfg.LogLevel)},
		{"OTTO_LOG_FORMAT", setString(&cfg.LogFormat)},
	}
	for _, b := range bindings {
		if err := bind(b.name, b.apply); err != nil {
			return err
		}
	}
	return nil
}

func normalize(cfg *Config, options loadOptions) error {
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.LLM.BaseURL), "/")
	cfg.LLM.APIKey = strings.TrimSpace(cfg.LLM.APIKey)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if strings.HasPrefix(cfg.Data.Root, "~") {
		home, err := options.homeDir()
		if err != nil {
			return fmt.Errorf("expand data root: %w", err)
		}
		cfg.Data.Root = filepath.Join(home, strings.TrimPrefix(cfg.Data.Root, "~"))
	}

	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 3
	}
	if cfg.Pool.MaxAttempts <= 0 {
		cfg.Pool.MaxAttempts = 3
	}
	if cfg.Loop.IntervalMS <= 0 {
		cfg.Loop.IntervalMS = 10000
	}
	if cfg.Tool.MaxOutputBytes <= 0 {
		cfg.Tool.MaxOutputBytes = 1 << 20
	}
	if cfg.Events.SegmentMaxBytes <= 0 {
		cfg.Events.SegmentMaxBytes = 4 << 20
	}
	if cfg.Learning.TopK <= 0 {
		cfg.Learning.TopK = 3
	}
	if cfg.Signature.Enabled && cfg.Signature.Secret == "" {
		return fmt.Errorf("signature.enabled requires signature.secret")
	}

	for i, trig := range cfg.Triggers.Recurring {
		if trig.Name == "" || trig.Schedule == "" {
			return fmt.Errorf("triggers.recurring[%d]: name and schedule are required", i)
		}
	}
	return nil
}

// EventsDir returns the directory holding rotated event segments.
func (c Config) EventsDir() string { return filepath.Join(c.Data.Root, "events") }

// SnapshotsDir returns the directory holding entity snapshots.
func (c Config) SnapshotsDir() string { return filepath.Join(c.Data.Root, "snapshots") }

// PluginsDir returns the directory holding installed plugins.
func (c Config) PluginsDir() string { return filepath.Join(c.Data.Root, "plugins") }

// LearningsPath returns the learning observation log path.
func (c Config) LearningsPath() string { return filepath.Join(c.Data.Root, "learnings.jsonl") }

// ToolSignaturesPath returns the tool signature registry path.
func (c Config) ToolSignaturesPath() string {
	return filepath.Join(c.Data.Root, "tool_signatures.json")
}
