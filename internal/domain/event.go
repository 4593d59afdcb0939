package domain

import "time"

// Actor identifies who emitted an event.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorSystem    Actor = "system"
	ActorScheduler Actor = "scheduler"
	ActorSandbox   Actor = "sandbox"
)

// Act values are the event discriminators written to the store. New acts may
// be added freely; existing ones never change meaning.
const (
	ActTaskCreated   = "task_created"
	ActTaskUpdated   = "task_updated"
	ActTaskStart     = "task_start"
	ActTaskFinish    = "task_finish"
	ActTaskFail      = "task_fail"
	ActTaskCancelled = "task_cancelled"
	ActTaskRequeued  = "task_requeued"
	ActTaskBlocked   = "task_blocked"

	ActGoalCreated   = "goal_created"
	ActGoalActivated = "goal_activated"
	ActGoalCompleted = "goal_completed"
	ActGoalAbandoned = "goal_abandoned"
	ActGoalStale     = "goal_stale"

	ActApprovalRequested = "approval_requested"
	ActApprovalDecided   = "approval_decided"

	ActToolStart      = "tool_start"
	ActToolFinish     = "tool_finish"
	ActToolError      = "tool_error"
	ActToolRegistered = "tool_registered"
	ActToolReverted   = "tool_reverted"

	ActPluginInstalled  = "plugin_installed"
	ActPluginLoaded     = "plugin_loaded"
	ActPluginUnloaded   = "plugin_unloaded"
	ActPluginLoadFailed = "plugin_load_failed"
	ActPluginEvent      = "plugin_event"

	ActWorkerRespawned    = "worker_respawned"
	ActQueuePressure      = "queue_pressure"
	ActRegressionDetected = "regression_detected"
	ActLearningRecorded   = "learning_recorded"
	ActLearningUpdated    = "learning_updated"
	ActSnapshotCreated    = "snapshot_created"
)

// Event is an immutable record in the event store. The CRC covers the core
// fields so a torn tail write is detectable on replay.
type Event struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Actor   Actor          `json:"actor"`
	Act     string         `json:"act"`
	TraceID string         `json:"trace_id,omitempty"`
	ConvID  string         `json:"conv_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// PayloadRef points at events/payloads/<id>.json when the payload was
	// too large to inline in the segment.
	PayloadRef string `json:"payload_ref,omitempty"`

	CRC string `json:"crc,omitempty"`
}
