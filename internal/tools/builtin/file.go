package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"otto/internal/toolregistry"
)

// resolvePath roots relative paths at the configured workdir.
func resolvePath(cfg Config, path string) string {
	if filepath.IsAbs(path) || cfg.WorkDir == "" {
		return path
	}
	return filepath.Join(cfg.WorkDir, path)
}

// NewFileRead returns file contents up to the configured byte cap.
func NewFileRead(cfg Config) toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "file_read",
			Description: "Read a file and return its contents.",
			ReadOnly:    true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "minLength": 1},
				},
				"required":             []any{"path"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			path := resolvePath(cfg, args["path"].(string))
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if info.Size() > cfg.MaxFileBytes {
				return nil, fmt.Errorf("file %s is %d bytes, over the %d byte limit", path, info.Size(), cfg.MaxFileBytes)
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return &toolregistry.Result{
				Content:  string(raw),
				Metadata: map[string]any{"path": path, "bytes": len(raw)},
			}, nil
		},
	}
}

// NewFileWrite creates or overwrites a file, creating parent directories as
// needed.
func NewFileWrite(cfg Config) toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "file_write",
			Description: "Write content to a file, creating parent directories.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "minLength": 1},
					"content": map[string]any{"type": "string"},
				},
				"required":             []any{"path", "content"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			path := resolvePath(cfg, args["path"].(string))
			content := args["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return &toolregistry.Result{
				Content:  fmt.Sprintf("wrote %d bytes to %s", len(content), path),
				Metadata: map[string]any{"path": path, "bytes": len(content)},
			}, nil
		},
	}
}
