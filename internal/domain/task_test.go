package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusBlocked.IsTerminal())
}

func TestPriorityRankOrdersCriticalFirst(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.False(t, Priority("urgent").Valid())
}

func TestCanTransitionGuardsTerminalStates(t *testing.T) {
	task := &Task{Status: StatusCompleted}
	assert.False(t, task.CanTransition(StatusPending))
	assert.False(t, task.CanTransition(StatusActive))

	task.Status = StatusActive
	assert.True(t, task.CanTransition(StatusCompleted))
	assert.True(t, task.CanTransition(StatusFailed))
	assert.True(t, task.CanTransition(StatusPending)) // requeue after crash
	assert.True(t, task.CanTransition(StatusCancelled))
	assert.False(t, task.CanTransition(StatusBlocked))

	task.Status = StatusPending
	assert.True(t, task.CanTransition(StatusActive))
	assert.True(t, task.CanTransition(StatusBlocked))
	assert.True(t, task.CanTransition(StatusCancelled))

	task.Status = StatusBlocked
	assert.True(t, task.CanTransition(StatusCancelled))
	assert.False(t, task.CanTransition(StatusActive))
}

func TestTaskCloneIsDeep(t *testing.T) {
	task := &Task{
		ID:           "task-1",
		Dependencies: []string{"task-0"},
		Tags:         []string{"infra"},
		Attempts:     []AttemptRecord{{Attempt: 1}},
	}
	dup := task.Clone()
	dup.Dependencies[0] = "task-9"
	dup.Tags[0] = "changed"
	dup.Attempts[0].Attempt = 7

	assert.Equal(t, "task-0", task.Dependencies[0])
	assert.Equal(t, "infra", task.Tags[0])
	assert.Equal(t, 1, task.Attempts[0].Attempt)
}
