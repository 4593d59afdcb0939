// Package decompose turns a goal into an ordered set of task specs by
// asking the model for a structured plan. The response contract is strict:
// a JSON array of steps with forward-only dependency indexes. Model output
// that is almost-JSON is repaired before validation; output that fails
// validation leaves the goal untouched.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/llm"
	"otto/internal/logging"
)

const decomposePrompt = `Break the following goal into a short sequence of concrete,
independently executable tasks. Respond with ONLY a JSON array, no prose.
Each element must be an object:
  {"description": "...", "dependencies": [indexes of earlier elements], "estimated_complexity": "low"|"medium"|"high"}
Dependencies may only reference earlier elements. Keep the plan minimal.

Goal: %s`

// TaskSpec is one planned step. Dependencies index into the returned slice.
type TaskSpec struct {
	Description         string `json:"description"`
	Dependencies        []int  `json:"dependencies"`
	EstimatedComplexity string `json:"estimated_complexity"`
}

// Priority maps estimated complexity onto dispatch priority.
func (s TaskSpec) Priority() domain.Priority {
	switch strings.ToLower(s.EstimatedComplexity) {
	case "high":
		return domain.PriorityHigh
	case "low":
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

// Decomposer plans goals through the chat model.
type Decomposer struct {
	client llm.Client
	logger logging.Logger
}

// New builds a decomposer.
func New(client llm.Client, logger logging.Logger) *Decomposer {
	return &Decomposer{client: client, logger: logging.OrNop(logger)}
}

// Decompose asks the model for a plan and validates it. A DecompositionFailed
// error means the goal must stay in draft.
func (d *Decomposer) Decompose(ctx context.Context, goal *domain.Goal) ([]TaskSpec, error) {
	resp, err := d.client.Chat(ctx, &llm.ChatRequest{
		Model: d.client.Model(),
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(decomposePrompt, goal.Description)},
		},
	})
	if err != nil {
		return nil, otterrors.DecompositionFailed(goal.ID, fmt.Sprintf("model call failed: %v", err))
	}

	specs, err := Parse(resp.First().Content)
	if err != nil {
		d.logger.Warn("goal %s: unusable decomposition: %v", goal.ID, err)
		return nil, otterrors.DecompositionFailed(goal.ID, err.Error())
	}
	return specs, nil
}

// Parse extracts and validates the task array from raw model output.
// Markdown fences and minor JSON damage are tolerated; structural problems
// are not.
func Parse(raw string) ([]TaskSpec, error) {
	text := stripFences(raw)
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			text = text[start : end+1]
		}
	}

	var specs []TaskSpec
	if err := json.Unmarshal([]byte(text), &specs); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("response is not a JSON array: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &specs); err != nil {
			return nil, fmt.Errorf("response is not a JSON array even after repair: %w", err)
		}
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("decomposition produced no tasks")
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.Description) == "" {
			return nil, fmt.Errorf("task %d has an empty description", i)
		}
		for _, dep := range spec.Dependencies {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("task %d has illegal dependency index %d", i, dep)
			}
		}
	}
	return specs, nil
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}
