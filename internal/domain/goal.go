package domain

import "time"

// GoalStatus represents the lifecycle state of a goal.
type GoalStatus string

const (
	GoalDraft     GoalStatus = "draft"
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// IsTerminal reports whether the goal status is final.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalAbandoned
}

// Goal groups tasks under a completion predicate. A goal completes only when
// every owned task completes.
type Goal struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Status          GoalStatus `json:"status"`
	TaskIDs         []string   `json:"task_ids,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the goal.
func (g *Goal) Clone() *Goal {
	if g == nil {
		return nil
	}
	dup := *g
	dup.TaskIDs = append([]string(nil), g.TaskIDs...)
	return &dup
}
