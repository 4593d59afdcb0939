package domain

import (
	"fmt"
	"regexp"
	"time"
)

var pluginNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePluginName enforces the allowed character set for plugin names.
// Names become directory names under plugins/, so anything outside the safe
// set is rejected before it can touch the filesystem.
func ValidatePluginName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if !pluginNamePattern.MatchString(name) {
		return fmt.Errorf("plugin name %q contains characters outside [a-zA-Z0-9_-]", name)
	}
	return nil
}

// PluginManifest describes an installed extension, parsed from manifest.json
// in the plugin directory.
type PluginManifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Entry       string            `json:"entry"`
	Tools       []PluginToolDecl  `json:"tools,omitempty"`
	HostAPIs    []string          `json:"host_apis,omitempty"`
	Limits      map[string]int    `json:"limits,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PluginToolDecl declares a tool the plugin exports, with its argument schema.
type PluginToolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	ReadOnly    bool           `json:"read_only,omitempty"`
}

// Plugin is the host-side record of an installed extension. Entry bytes live
// on disk at EntryPath, never inside events or this record.
type Plugin struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Manifest    PluginManifest `json:"manifest"`
	EntryPath   string         `json:"entry_path"`
	Approved    bool           `json:"approved"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	SelfCreated bool           `json:"self_created,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Loaded      bool           `json:"loaded"`
	InstalledAt time.Time      `json:"installed_at"`
}
