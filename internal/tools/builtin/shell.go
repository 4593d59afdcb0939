package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"otto/internal/toolregistry"
)

// NewShell runs a command through `sh -c`. The registry's guardrail step
// classifies the command text before this ever executes; destructive
// patterns arrive here only after an approval.
func NewShell(cfg Config) toolregistry.Tool {
	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "shell",
			Description: "Run a shell command and return its combined output.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "minLength": 1},
					"workdir": map[string]any{"type": "string"},
				},
				"required":             []any{"command"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			command := args["command"].(string)
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			if workdir, ok := args["workdir"].(string); ok && workdir != "" {
				cmd.Dir = workdir
			} else if cfg.WorkDir != "" {
				cmd.Dir = cfg.WorkDir
			}

			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()

			content := strings.TrimRight(out.String(), "\n")
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("command failed: %w\n%s", err, content)
			}
			exitCode := 0
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
			return &toolregistry.Result{
				Content:  content,
				Metadata: map[string]any{"exit_code": exitCode},
			}, nil
		},
	}
}
