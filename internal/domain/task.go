// Package domain defines the orchestrator's entity model: tasks, goals,
// approvals, plugins, learnings and the event envelope they all persist
// through. Entities are mutated only by the scheduler and become read-only
// in terminal states.
package domain

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tasks for dispatch. Critical runs first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the dispatch rank of the priority, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// Origin identifies what created a task.
type Origin string

const (
	OriginUser          Origin = "user"
	OriginDecomposition Origin = "decomposition"
	OriginAutonomous    Origin = "autonomous"
	OriginReflection    Origin = "reflection"
)

// AttemptRecord is one execution attempt of a task. The attempts slice on a
// task is an audit trail and only ever grows.
type AttemptRecord struct {
	Attempt       int       `json:"attempt"`
	WorkerID      string    `json:"worker_id,omitempty"`
	Success       bool      `json:"success"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	OutputPreview string    `json:"output_preview,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Task is the unit of work the scheduler dispatches.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Origin      Origin   `json:"origin"`
	GoalID      string   `json:"goal_id,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`

	// Dependencies must all reach completed before this task is eligible.
	Dependencies []string `json:"dependencies,omitempty"`

	Attempts []AttemptRecord `json:"attempts,omitempty"`

	// RetryCount drives the retry policy. It is tracked separately from
	// len(Attempts) because transient failures halve it while the attempts
	// audit trail keeps growing.
	RetryCount int `json:"retry_count"`

	Approved bool     `json:"approved,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransition reports whether a status change is legal. Terminal states
// are immutable; active is left for completed, failed, cancelled, or back to
// pending on a requeue.
func (t *Task) CanTransition(to Status) bool {
	from := t.Status
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusBlocked || to == StatusCancelled || to == StatusFailed
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending || to == StatusCancelled
	case StatusBlocked:
		return to == StatusCancelled || to == StatusPending
	default:
		return false
	}
}

// Clone returns a deep copy so readers never alias scheduler-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Dependencies = append([]string(nil), t.Dependencies...)
	dup.Tags = append([]string(nil), t.Tags...)
	dup.Attempts = append([]AttemptRecord(nil), t.Attempts...)
	return &dup
}
