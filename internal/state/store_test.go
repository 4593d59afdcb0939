package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/eventlog"
	"otto/internal/guardrail"
	"otto/internal/ident"
	"otto/internal/redact"
)

func openTestState(t *testing.T, snapshotEvery int) (*Store, *eventlog.Store, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.Open(dir+"/events", eventlog.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store, err := Open(log, dir+"/snapshots", Options{SnapshotEvery: snapshotEvery})
	require.NoError(t, err)
	return store, log, dir
}

func newTask(desc string) *domain.Task {
	return &domain.Task{
		ID:          ident.NewTaskID(),
		Description: desc,
		Origin:      domain.OriginUser,
		Priority:    domain.PriorityMedium,
		Status:      domain.StatusPending,
	}
}

func TestCreateTaskNeverPersistsDenylistedSecret(t *testing.T) {
	secret := "ghp_supersecrettoken1234567890"
	dir := t.TempDir()
	log, err := eventlog.Open(dir+"/events", eventlog.Options{
		NoSync:   true,
		Redactor: guardrail.NewRedactor([]string{secret}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	store, err := Open(log, dir+"/snapshots", Options{SnapshotEvery: -1})
	require.NoError(t, err)

	task := newTask("rotate " + secret + " on the staging host")
	require.NoError(t, store.CreateTask(task, domain.ActorUser))

	raw, err := os.ReadFile(filepath.Join(dir, "events", "00001.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)

	// The in-memory entity is built from the redacted event, so replay and
	// live state agree.
	got, ok := store.GetTask(task.ID)
	require.True(t, ok)
	assert.NotContains(t, got.Description, secret)
	assert.Contains(t, got.Description, redact.Placeholder)
}

func TestTaskLifecycleAndTerminalImmutability(t *testing.T) {
	store, _, _ := openTestState(t, -1)

	task := newTask("echo hello")
	require.NoError(t, store.CreateTask(task, domain.ActorUser))

	got, ok := store.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err := store.UpdateTask(task.ID, domain.ActTaskStart, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusActive
		return nil
	})
	require.NoError(t, err)

	_, err = store.UpdateTask(task.ID, domain.ActTaskFinish, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	// Terminal states reject further transitions.
	_, err = store.UpdateTask(task.ID, domain.ActTaskUpdated, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusPending
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindIllegalTransition, otterrors.KindOf(err))
}

func TestIllegalTransitionFromPendingToCompleted(t *testing.T) {
	store, _, _ := openTestState(t, -1)
	task := newTask("skip active")
	require.NoError(t, store.CreateTask(task, domain.ActorUser))

	_, err := store.UpdateTask(task.ID, domain.ActTaskFinish, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusCompleted
		return nil
	})
	require.Error(t, err, "pending cannot jump straight to completed")
}

func TestReplayReconstructsState(t *testing.T) {
	store, log, dir := openTestState(t, -1)

	task := newTask("replayed")
	require.NoError(t, store.CreateTask(task, domain.ActorUser))
	_, err := store.UpdateTask(task.ID, domain.ActTaskStart, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusActive
		t.Attempts = append(t.Attempts, domain.AttemptRecord{Attempt: 1, WorkerID: "w0"})
		return nil
	})
	require.NoError(t, err)

	goal := &domain.Goal{ID: ident.NewGoalID(), Description: "g", Status: domain.GoalDraft}
	require.NoError(t, store.CreateGoal(goal, domain.ActorUser))

	// Reopen from the same log with no snapshot: state must be identical.
	reopened, err := Open(log, dir+"/snapshots2", Options{SnapshotEvery: -1})
	require.NoError(t, err)

	gotTask, ok := reopened.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, gotTask.Status)
	require.Len(t, gotTask.Attempts, 1)
	assert.Equal(t, "w0", gotTask.Attempts[0].WorkerID)

	gotGoal, ok := reopened.GetGoal(goal.ID)
	require.True(t, ok)
	assert.Equal(t, domain.GoalDraft, gotGoal.Status)
}

func TestSnapshotPlusDeltaEqualsFullReplay(t *testing.T) {
	store, log, dir := openTestState(t, 5)

	var ids []string
	for i := 0; i < 12; i++ {
		task := newTask("bulk")
		require.NoError(t, store.CreateTask(task, domain.ActorUser))
		ids = append(ids, task.ID)
	}
	require.NoError(t, store.Snapshot())

	// More writes after the snapshot form the delta.
	extra := newTask("post-snapshot")
	require.NoError(t, store.CreateTask(extra, domain.ActorUser))

	reopened, err := Open(log, dir+"/snapshots", Options{SnapshotEvery: 5})
	require.NoError(t, err)

	for _, id := range append(ids, extra.ID) {
		_, ok := reopened.GetTask(id)
		assert.True(t, ok, "task %s must survive snapshot+delta recovery", id)
	}
	assert.Len(t, reopened.ListTasks(TaskFilter{}), 13)
}

func TestListTasksFilterAndOrder(t *testing.T) {
	store, _, _ := openTestState(t, -1)

	a := newTask("a")
	b := newTask("b")
	b.Priority = domain.PriorityHigh
	require.NoError(t, store.CreateTask(a, domain.ActorUser))
	require.NoError(t, store.CreateTask(b, domain.ActorUser))

	high := store.ListTasks(TaskFilter{Priority: domain.PriorityHigh})
	require.Len(t, high, 1)
	assert.Equal(t, b.ID, high[0].ID)

	all := store.ListTasks(TaskFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "creation order preserved")
}

func TestReadersNeverAliasStoreState(t *testing.T) {
	store, _, _ := openTestState(t, -1)
	task := newTask("alias")
	task.Tags = []string{"x"}
	require.NoError(t, store.CreateTask(task, domain.ActorUser))

	got, _ := store.GetTask(task.ID)
	got.Tags[0] = "mutated"
	got.Status = domain.StatusFailed

	fresh, _ := store.GetTask(task.ID)
	assert.Equal(t, "x", fresh.Tags[0])
	assert.Equal(t, domain.StatusPending, fresh.Status)
}
