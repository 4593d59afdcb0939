// Package builtin holds the native tools every deployment ships with. Each
// tool declares its JSON Schema inline; policy decisions (guardrails,
// approvals, rate limits) belong to the registry pipeline, not to the tools
// themselves.
package builtin

import (
	"otto/internal/toolregistry"
)

// Config carries the knobs native tools need.
type Config struct {
	// WorkDir roots relative paths for the file tools.
	WorkDir string
	// MaxFileBytes caps file_read and web_fetch payloads.
	MaxFileBytes int64
	// MaxSleepMS caps the sleep tool so a prompt cannot park a worker.
	MaxSleepMS int64
}

func (c *Config) fill() {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 2 << 20
	}
	if c.MaxSleepMS <= 0 {
		c.MaxSleepMS = 30_000
	}
}

// RegisterAll installs the full native tool set into a registry.
func RegisterAll(registry *toolregistry.Registry, cfg Config) error {
	cfg.fill()
	for _, tool := range []toolregistry.Tool{
		NewEcho(),
		NewSleep(cfg),
		NewThink(),
		NewShell(cfg),
		NewFileRead(cfg),
		NewFileWrite(cfg),
		NewWebFetch(cfg),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
