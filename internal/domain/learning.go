package domain

import "time"

// LearningType categorizes observations in the learning store.
type LearningType string

const (
	LearningTaskOutcome LearningType = "task_outcome"
	LearningToolUsage   LearningType = "tool_usage"
	LearningReflection  LearningType = "reflection"
)

// Learning is a single observation that informs future task execution.
// Confidence decays over time unless the learning is reinforced by use.
type Learning struct {
	ID          string       `json:"id"`
	Type        LearningType `json:"type"`
	Context     string       `json:"context"`
	Observation string       `json:"observation"`
	Confidence  float64      `json:"confidence"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  time.Time    `json:"last_used_at"`
}

// Clone returns a copy with its own tag slice.
func (l *Learning) Clone() *Learning {
	if l == nil {
		return nil
	}
	dup := *l
	dup.Tags = append([]string(nil), l.Tags...)
	return &dup
}
