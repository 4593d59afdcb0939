package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/agentpool"
	"otto/internal/approval"
	"otto/internal/decompose"
	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/eventlog"
	"otto/internal/guardrail"
	"otto/internal/state"
)

type fakePool struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	cancelOK  bool
	results   chan agentpool.Result
}

func newFakePool() *fakePool {
	return &fakePool{results: make(chan agentpool.Result, 64), cancelOK: true}
}

func (p *fakePool) Submit(task *domain.Task) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, task.ID)
	return task.ID
}

func (p *fakePool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, taskID)
	return p.cancelOK
}

func (p *fakePool) Results() <-chan agentpool.Result { return p.results }

func (p *fakePool) Status() agentpool.PoolStatus { return agentpool.PoolStatus{} }

func (p *fakePool) submittedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

type fakeDecomposer struct {
	specs []decompose.TaskSpec
	err   error
}

func (d *fakeDecomposer) Decompose(ctx context.Context, goal *domain.Goal) ([]decompose.TaskSpec, error) {
	return d.specs, d.err
}

type recordingSink struct {
	mu       sync.Mutex
	recorded []*domain.Learning
}

func (r *recordingSink) Record(ctx context.Context, learning *domain.Learning) (*domain.Learning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, learning)
	return learning, nil
}

type fixture struct {
	store     *state.Store
	log       *eventlog.Store
	pool      *fakePool
	approvals *approval.Queue
	sched     *Scheduler
	learn     *recordingSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.Open(filepath.Join(dir, "events"), eventlog.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	store, err := state.Open(log, filepath.Join(dir, "snapshots"), state.Options{SnapshotEvery: -1})
	require.NoError(t, err)

	pool := newFakePool()
	queue := approval.NewQueue(store, nil)
	learn := &recordingSink{}
	if opts.Learnings == nil {
		opts.Learnings = learn
	}
	return &fixture{
		store:     store,
		log:       log,
		pool:      pool,
		approvals: queue,
		sched:     New(store, pool, queue, opts),
		learn:     learn,
	}
}

func pendingTask(t *testing.T, f *fixture, id string, priority domain.Priority, deps ...string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:           id,
		Description:  "work on " + id,
		Origin:       domain.OriginUser,
		Priority:     priority,
		Status:       domain.StatusPending,
		Dependencies: deps,
		Tags:         []string{"test"},
	}
	require.NoError(t, f.store.CreateTask(task, domain.ActorUser))
	return task
}

func TestDispatchSubmitsEligibleInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	pendingTask(t, f, "low", domain.PriorityLow)
	pendingTask(t, f, "crit", domain.PriorityCritical)
	pendingTask(t, f, "med", domain.PriorityMedium)

	f.sched.Tick(context.Background())
	assert.Equal(t, []string{"crit", "med", "low"}, f.pool.submittedIDs())

	// Idempotent: a second tick without results resubmits nothing.
	f.sched.Tick(context.Background())
	assert.Len(t, f.pool.submittedIDs(), 3)
}

func TestDispatchSkipsUnsatisfiedDependencies(t *testing.T) {
	f := newFixture(t, Options{})
	pendingTask(t, f, "first", domain.PriorityMedium)
	pendingTask(t, f, "second", domain.PriorityMedium, "first")

	f.sched.Tick(context.Background())
	assert.Equal(t, []string{"first"}, f.pool.submittedIDs())

	// Completing the dependency frees the dependent on the next tick.
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "first", WorkerID: "w0", Attempt: 1}
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultFinished, TaskID: "first", WorkerID: "w0", Attempt: 1, Output: "ok"}
	f.sched.Tick(context.Background())
	assert.Equal(t, []string{"first", "second"}, f.pool.submittedIDs())
}

func TestDrainAppliesLifecycleAndRecordsLearning(t *testing.T) {
	f := newFixture(t, Options{})
	pendingTask(t, f, "t1", domain.PriorityMedium)
	f.sched.Tick(context.Background())

	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "t1", WorkerID: "w0", Attempt: 1}
	f.sched.Tick(context.Background())
	task, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusActive, task.Status)

	f.pool.results <- agentpool.Result{
		Kind: agentpool.ResultFinished, TaskID: "t1", WorkerID: "w0",
		Attempt: 1, Output: "all done", Elapsed: 20 * time.Millisecond,
	}
	f.sched.Tick(context.Background())

	task, _ = f.store.GetTask("t1")
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, "all done", task.Result)
	require.Len(t, task.Attempts, 1)
	assert.True(t, task.Attempts[0].Success)

	require.Len(t, f.learn.recorded, 1)
	assert.Equal(t, domain.LearningTaskOutcome, f.learn.recorded[0].Type)
	assert.Contains(t, f.learn.recorded[0].Observation, "all done")
}

func TestFailureReturnsToPendingThenExhausts(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	pendingTask(t, f, "t1", domain.PriorityMedium)

	fail := func(attempt int) {
		f.sched.Tick(context.Background())
		f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "t1", WorkerID: "w0", Attempt: attempt}
		f.pool.results <- agentpool.Result{
			Kind: agentpool.ResultFailed, TaskID: "t1", WorkerID: "w0",
			Attempt: attempt, Err: fmt.Errorf("tool broke"),
		}
		f.sched.Tick(context.Background())
	}

	fail(1)
	task, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	fail(2)
	task, _ = f.store.GetTask("t1")
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "tool broke")
	assert.Len(t, task.Attempts, 2)
}

func TestTransientFailureHalvesRetryCount(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	pendingTask(t, f, "t1", domain.PriorityMedium)
	f.sched.Tick(context.Background())

	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "t1", WorkerID: "w0", Attempt: 1}
	f.pool.results <- agentpool.Result{
		Kind: agentpool.ResultFailed, TaskID: "t1", WorkerID: "w0", Attempt: 1,
		Err: otterrors.WorkerCrashed("w0", "t1", fmt.Errorf("boom")),
	}
	f.sched.Tick(context.Background())

	task, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount, "crash burns attempts at half rate")
}

func TestRepeatedTransientFailuresStillTerminate(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	pendingTask(t, f, "t1", domain.PriorityMedium)

	for attempt := 1; attempt <= 4; attempt++ {
		f.sched.Tick(context.Background())
		f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "t1", WorkerID: "w0", Attempt: attempt}
		f.pool.results <- agentpool.Result{
			Kind: agentpool.ResultFailed, TaskID: "t1", WorkerID: "w0", Attempt: attempt,
			Err: otterrors.WorkerCrashed("w0", "t1", fmt.Errorf("boom")),
		}
		f.sched.Tick(context.Background())
	}

	// The audit-trail ceiling (2 x max_attempts) stops the halving loop.
	task, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Len(t, task.Attempts, 4)
}

func TestGuardrailDenyFailsTask(t *testing.T) {
	// One dispatch per hour per actor: the second candidate is denied.
	engine := guardrail.New(guardrail.Config{MaxCallsPerHour: 1})
	f := newFixture(t, Options{Guard: engine})
	pendingTask(t, f, "t1", domain.PriorityHigh)
	pendingTask(t, f, "t2", domain.PriorityLow)

	f.sched.Tick(context.Background())

	assert.Equal(t, []string{"t1"}, f.pool.submittedIDs())
	got, _ := f.store.GetTask("t2")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "denied by guardrail")
}

func TestApprovalGateApproveAndDispatch(t *testing.T) {
	engine := guardrail.New(guardrail.Config{})
	f := newFixture(t, Options{Guard: engine})
	task := pendingTask(t, f, "t1", domain.PriorityMedium)
	_, err := f.store.UpdateTask(task.ID, domain.ActTaskUpdated, domain.ActorUser, func(t *domain.Task) error {
		t.Description = "rm -rf /tmp/scratch"
		return nil
	})
	require.NoError(t, err)

	f.sched.Tick(context.Background())
	assert.Empty(t, f.pool.submittedIDs(), "gated task not submitted")
	open := f.approvals.Pending()
	require.Len(t, open, 1)
	assert.Equal(t, "t1", open[0].TaskID)

	// Same tick shape again: no duplicate approval.
	f.sched.Tick(context.Background())
	assert.Len(t, f.approvals.Pending(), 1)

	_, err = f.approvals.Decide(open[0].ID, domain.DecisionApproved, "operator")
	require.NoError(t, err)

	f.sched.Tick(context.Background())
	assert.Equal(t, []string{"t1"}, f.pool.submittedIDs())
	got, _ := f.store.GetTask("t1")
	assert.True(t, got.Approved)
}

func TestApprovalRejectionCancelsTask(t *testing.T) {
	engine := guardrail.New(guardrail.Config{})
	f := newFixture(t, Options{Guard: engine})
	task := pendingTask(t, f, "t1", domain.PriorityMedium)
	_, err := f.store.UpdateTask(task.ID, domain.ActTaskUpdated, domain.ActorUser, func(t *domain.Task) error {
		t.Description = "drop table users"
		return nil
	})
	require.NoError(t, err)

	f.sched.Tick(context.Background())
	open := f.approvals.Pending()
	require.Len(t, open, 1)

	_, err = f.approvals.Decide(open[0].ID, domain.DecisionRejected, "operator")
	require.NoError(t, err)

	f.sched.Tick(context.Background())
	assert.Empty(t, f.pool.submittedIDs())
	got, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestOpenApprovalsSurviveRestart(t *testing.T) {
	engine := guardrail.New(guardrail.Config{})
	f := newFixture(t, Options{Guard: engine})
	task := pendingTask(t, f, "t1", domain.PriorityMedium)
	_, err := f.store.UpdateTask(task.ID, domain.ActTaskUpdated, domain.ActorUser, func(t *domain.Task) error {
		t.Description = "git push --force origin main"
		return nil
	})
	require.NoError(t, err)
	f.sched.Tick(context.Background())
	require.Len(t, f.approvals.Pending(), 1)

	// A fresh scheduler over the same store rebuilds the gate and does not
	// open a second approval.
	rebuilt := New(f.store, f.pool, f.approvals, Options{Guard: engine})
	rebuilt.Tick(context.Background())
	assert.Len(t, f.approvals.Pending(), 1)
	assert.Empty(t, f.pool.submittedIDs())
}

func TestActivateGoalMapsDependencyIndexes(t *testing.T) {
	f := newFixture(t, Options{Decomposer: &fakeDecomposer{specs: []decompose.TaskSpec{
		{Description: "set up", Dependencies: nil, EstimatedComplexity: "low"},
		{Description: "build", Dependencies: []int{0}, EstimatedComplexity: "high"},
		{Description: "ship", Dependencies: []int{0, 1}, EstimatedComplexity: "medium"},
	}}})
	goal := &domain.Goal{ID: "g1", Description: "ship the feature"}
	require.NoError(t, f.store.CreateGoal(goal, domain.ActorUser))

	activated, err := f.sched.ActivateGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GoalActive, activated.Status)
	require.Len(t, activated.TaskIDs, 3)

	build, ok := f.store.GetTask(activated.TaskIDs[1])
	require.True(t, ok)
	assert.Equal(t, []string{activated.TaskIDs[0]}, build.Dependencies)
	assert.Equal(t, domain.PriorityHigh, build.Priority)
	assert.Equal(t, domain.OriginDecomposition, build.Origin)
	assert.Equal(t, "g1", build.GoalID)

	ship, _ := f.store.GetTask(activated.TaskIDs[2])
	assert.Equal(t, activated.TaskIDs[:2], ship.Dependencies)
}

func TestActivateGoalFailureLeavesDraft(t *testing.T) {
	f := newFixture(t, Options{Decomposer: &fakeDecomposer{
		err: otterrors.DecompositionFailed("g1", "model returned prose"),
	}})
	require.NoError(t, f.store.CreateGoal(&domain.Goal{ID: "g1", Description: "vague"}, domain.ActorUser))

	_, err := f.sched.ActivateGoal(context.Background(), "g1")
	require.Error(t, err)

	goal, _ := f.store.GetGoal("g1")
	assert.Equal(t, domain.GoalDraft, goal.Status)
	assert.Empty(t, f.store.ListTasks(state.TaskFilter{GoalID: "g1"}))
}

func TestGoalCompletesWhenAllTasksComplete(t *testing.T) {
	f := newFixture(t, Options{Decomposer: &fakeDecomposer{specs: []decompose.TaskSpec{
		{Description: "only step", EstimatedComplexity: "low"},
	}}})
	require.NoError(t, f.store.CreateGoal(&domain.Goal{ID: "g1", Description: "one step"}, domain.ActorUser))
	activated, err := f.sched.ActivateGoal(context.Background(), "g1")
	require.NoError(t, err)
	taskID := activated.TaskIDs[0]

	f.sched.Tick(context.Background())
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: taskID, WorkerID: "w0", Attempt: 1}
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultFinished, TaskID: taskID, WorkerID: "w0", Attempt: 1, Output: "done"}
	f.sched.Tick(context.Background())

	goal, _ := f.store.GetGoal("g1")
	assert.Equal(t, domain.GoalCompleted, goal.Status)
}

func TestDependentBlockedWhenDependencyFails(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 1})
	pendingTask(t, f, "dep", domain.PriorityMedium)
	pendingTask(t, f, "child", domain.PriorityMedium, "dep")

	f.sched.Tick(context.Background())
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "dep", WorkerID: "w0", Attempt: 1}
	f.pool.results <- agentpool.Result{
		Kind: agentpool.ResultFailed, TaskID: "dep", WorkerID: "w0", Attempt: 1,
		Err: fmt.Errorf("unfixable"),
	}
	f.sched.Tick(context.Background())

	child, _ := f.store.GetTask("child")
	assert.Equal(t, domain.StatusBlocked, child.Status)
}

func TestCancelPendingAndActive(t *testing.T) {
	f := newFixture(t, Options{})
	pendingTask(t, f, "queued", domain.PriorityMedium)
	pendingTask(t, f, "running", domain.PriorityMedium)

	require.NoError(t, f.sched.CancelTask("queued"))
	got, _ := f.store.GetTask("queued")
	assert.Equal(t, domain.StatusCancelled, got.Status)

	f.sched.Tick(context.Background())
	f.pool.results <- agentpool.Result{Kind: agentpool.ResultStarted, TaskID: "running", WorkerID: "w0", Attempt: 1}
	f.sched.Tick(context.Background())

	require.NoError(t, f.sched.CancelTask("running"))
	got, _ = f.store.GetTask("running")
	assert.Equal(t, domain.StatusActive, got.Status, "finalizes on drain, not immediately")

	f.pool.results <- agentpool.Result{
		Kind: agentpool.ResultFailed, TaskID: "running", WorkerID: "w0", Attempt: 1,
		Err: context.Canceled,
	}
	f.sched.Tick(context.Background())
	got, _ = f.store.GetTask("running")
	assert.Equal(t, domain.StatusCancelled, got.Status)

	assert.Error(t, f.sched.CancelTask("queued"), "terminal task cannot be cancelled again")
}

func TestRecoveryReturnsActiveTasksToPending(t *testing.T) {
	f := newFixture(t, Options{})
	task := pendingTask(t, f, "t1", domain.PriorityMedium)
	_, err := f.store.UpdateTask(task.ID, domain.ActTaskStart, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusActive
		return nil
	})
	require.NoError(t, err)

	f.sched.recover()

	got, _ := f.store.GetTask("t1")
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestOptionDefaults(t *testing.T) {
	var opts Options
	opts.fill()
	assert.Equal(t, 3*24*time.Hour, opts.StaleGoalAfter, "default matches the shipped config")
	assert.Equal(t, 24*time.Hour, opts.BlockedTaskAfter)
}

func TestStaleGoalTriggerFiresOnce(t *testing.T) {
	f := newFixture(t, Options{StaleGoalAfter: time.Millisecond})
	require.NoError(t, f.store.CreateGoal(&domain.Goal{ID: "g1", Description: "idle"}, domain.ActorUser))
	time.Sleep(5 * time.Millisecond)

	f.sched.Tick(context.Background())
	f.sched.Tick(context.Background())

	events, err := f.log.Tail(10, eventlog.Filter{Act: domain.ActGoalStale})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecurringTriggerCreatesAndSkips(t *testing.T) {
	f := newFixture(t, Options{})
	spec := RecurringSpec{
		Name:        "nightly-review",
		Schedule:    "0 3 * * *",
		Description: "review yesterday's failures",
		Priority:    domain.PriorityLow,
		Tags:        []string{"review"},
	}

	f.sched.fireRecurring(spec)
	created := f.store.ListTasks(state.TaskFilter{Origin: domain.OriginAutonomous})
	require.Len(t, created, 1)
	assert.Contains(t, created[0].Tags, "trigger:nightly-review")
	assert.Equal(t, domain.PriorityLow, created[0].Priority)

	// The previous firing's task is still open: skip.
	f.sched.fireRecurring(spec)
	assert.Len(t, f.store.ListTasks(state.TaskFilter{Origin: domain.OriginAutonomous}), 1)
}

func TestSubmitTaskValidates(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.sched.SubmitTask(&domain.Task{Description: "  "}, domain.ActorUser)
	require.Error(t, err)

	_, err = f.sched.SubmitTask(&domain.Task{Description: "ok", Priority: "urgent"}, domain.ActorUser)
	require.Error(t, err)

	created, err := f.sched.SubmitTask(&domain.Task{Description: "ok"}, domain.ActorUser)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.PriorityMedium, created.Priority)
	assert.Equal(t, domain.StatusPending, created.Status)
}
