package domain

import "time"

// ApprovalType identifies what kind of action is waiting on a decision.
type ApprovalType string

const (
	ApprovalTaskExecution     ApprovalType = "task_execution"
	ApprovalPlugin            ApprovalType = "plugin_approval"
	ApprovalSelfExtension     ApprovalType = "self_extension"
	ApprovalDestructiveAction ApprovalType = "destructive_action"
)

// ApprovalLevel grades how much human attention an action needs.
type ApprovalLevel string

const (
	LevelNotify  ApprovalLevel = "notify"
	LevelConfirm ApprovalLevel = "confirm"
	LevelReview  ApprovalLevel = "review"
)

// Decision is the outcome of an approval. Decisions are final.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval is a pending gate created by guardrails and closed exactly once by
// an external decider.
type Approval struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      ApprovalType   `json:"type"`
	Level     ApprovalLevel  `json:"level"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Decision  Decision       `json:"decision,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decided reports whether the approval has been closed.
func (a *Approval) Decided() bool {
	return a.Decision != ""
}

// Clone returns a copy with its own payload map.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	dup := *a
	if a.Payload != nil {
		dup.Payload = make(map[string]any, len(a.Payload))
		for k, v := range a.Payload {
			dup.Payload[k] = v
		}
	}
	return &dup
}
