// Package scheduler is the central loop. One goroutine ticks at a fixed
// cadence and, in order: drains worker results, applies approval decisions,
// evaluates stale/blocked triggers, and dispatches eligible tasks to the
// pool. It is the only writer of entity state; workers talk back exclusively
// through the results channel.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"otto/internal/agentpool"
	"otto/internal/approval"
	"otto/internal/decompose"
	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/guardrail"
	"otto/internal/ident"
	"otto/internal/logging"
	"otto/internal/state"
)

// Pool is the worker pool surface the scheduler drives.
type Pool interface {
	Submit(task *domain.Task) string
	Cancel(taskID string) bool
	Results() <-chan agentpool.Result
	Status() agentpool.PoolStatus
}

// Guard classifies dispatch actions.
type Guard interface {
	Classify(action guardrail.Action) guardrail.Decision
}

// Decomposer turns a goal into task specs.
type Decomposer interface {
	Decompose(ctx context.Context, goal *domain.Goal) ([]decompose.TaskSpec, error)
}

// LearningSink receives task-outcome observations from the drain step.
type LearningSink interface {
	Record(ctx context.Context, learning *domain.Learning) (*domain.Learning, error)
}

// Options tunes the loop.
type Options struct {
	Interval    time.Duration
	MaxAttempts int

	StaleGoalAfter   time.Duration
	BlockedTaskAfter time.Duration
	Recurring        []RecurringSpec

	Guard      Guard
	Decomposer Decomposer
	Learnings  LearningSink
	Logger     logging.Logger
}

func (o *Options) fill() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StaleGoalAfter <= 0 {
		o.StaleGoalAfter = 3 * 24 * time.Hour
	}
	if o.BlockedTaskAfter <= 0 {
		o.BlockedTaskAfter = 24 * time.Hour
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store     *state.Store
	pool      Pool
	approvals *approval.Queue
	opts      Options

	mu sync.Mutex
	// inflight holds ids submitted to the pool and not yet final; the set is
	// what makes a tick idempotent.
	inflight map[string]bool
	// awaitingApproval maps task id to the open approval gating it.
	awaitingApproval map[string]string
	// cancelRequested marks active tasks whose next drain result finalizes
	// as cancelled regardless of the worker's verdict.
	cancelRequested map[string]bool
	// staleNotified remembers the UpdatedAt a stale event was emitted for,
	// so each stall fires once.
	staleNotified   map[string]time.Time
	blockedNotified map[string]time.Time

	cron    *cronRunner
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  sync.Once
}

// New builds the scheduler and rebuilds its gate bookkeeping from persisted
// approvals so open gates survive a restart.
func New(store *state.Store, pool Pool, approvals *approval.Queue, opts Options) *Scheduler {
	opts.fill()
	s := &Scheduler{
		store:            store,
		pool:             pool,
		approvals:        approvals,
		opts:             opts,
		inflight:         map[string]bool{},
		awaitingApproval: map[string]string{},
		cancelRequested:  map[string]bool{},
		staleNotified:    map[string]time.Time{},
		blockedNotified:  map[string]time.Time{},
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, open := range approvals.Pending() {
		if open.Type == domain.ApprovalTaskExecution && open.TaskID != "" {
			s.awaitingApproval[open.TaskID] = open.ID
		}
	}
	return s
}

// Start recovers interrupted work, registers recurring triggers and runs the
// tick loop until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.recover()

	cron, err := newCronRunner(s, s.opts.Recurring, s.opts.Logger)
	if err != nil {
		return err
	}
	s.cron = cron
	s.cron.start()
	s.started = true

	go s.run(ctx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		case result := <-s.pool.Results():
			s.applyResult(ctx, result)
		}
	}
}

// Stop halts the loop and the cron runner.
func (s *Scheduler) Stop() {
	s.closed.Do(func() {
		close(s.stop)
		if s.cron != nil {
			s.cron.stop()
		}
	})
	if s.started {
		<-s.done
	}
}

// recover returns tasks found active after replay to pending: their worker
// died with the previous process.
func (s *Scheduler) recover() {
	for _, task := range s.store.ListTasks(state.TaskFilter{Status: domain.StatusActive}) {
		_, err := s.store.UpdateTask(task.ID, domain.ActTaskRequeued, domain.ActorScheduler, func(t *domain.Task) error {
			t.Status = domain.StatusPending
			return nil
		})
		if err != nil {
			s.opts.Logger.Error("recovery of task %s failed: %v", task.ID, err)
			continue
		}
		s.opts.Logger.Info("task %s was active at shutdown, returned to pending", task.ID)
	}
}

// Tick runs one scheduling round. Exported so tests and the CLI can step the
// loop deterministically; two consecutive ticks without external input leave
// state unchanged.
func (s *Scheduler) Tick(ctx context.Context) {
	s.drain(ctx)
	s.checkApprovals()
	s.evaluateTriggers()
	s.dispatch()
}

// drain consumes every buffered worker result without blocking.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case result, ok := <-s.pool.Results():
			if !ok {
				return
			}
			s.applyResult(ctx, result)
		default:
			return
		}
	}
}

func (s *Scheduler) applyResult(ctx context.Context, result agentpool.Result) {
	switch result.Kind {
	case agentpool.ResultStarted:
		s.markStarted(result)
	case agentpool.ResultRequeued:
		s.markRequeued(result)
	case agentpool.ResultFinished:
		s.markFinished(ctx, result)
	case agentpool.ResultFailed:
		s.markFailed(ctx, result)
	}
}

func (s *Scheduler) markStarted(result agentpool.Result) {
	_, err := s.store.UpdateTask(result.TaskID, domain.ActTaskStart, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusActive
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("task %s start not applied: %v", result.TaskID, err)
	}
}

// markRequeued records a crash requeue. The pool re-runs the task on its
// own; the task just returns to pending until the next start arrives.
func (s *Scheduler) markRequeued(result agentpool.Result) {
	_, err := s.store.UpdateTask(result.TaskID, domain.ActTaskRequeued, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusPending
		t.Attempts = append(t.Attempts, attemptRecord(result))
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("task %s requeue not applied: %v", result.TaskID, err)
	}
}

func (s *Scheduler) markFinished(ctx context.Context, result agentpool.Result) {
	s.clearInflight(result.TaskID)

	task, err := s.store.UpdateTask(result.TaskID, domain.ActTaskFinish, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusCompleted
		t.Result = result.Output
		t.Error = ""
		t.Attempts = append(t.Attempts, attemptRecord(result))
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("task %s finish not applied: %v", result.TaskID, err)
		return
	}

	s.recordOutcome(ctx, task, true, result.Output)
	if task.GoalID != "" {
		s.checkGoalCompletion(task.GoalID)
	}
}

func (s *Scheduler) markFailed(ctx context.Context, result agentpool.Result) {
	s.clearInflight(result.TaskID)

	s.mu.Lock()
	cancelled := s.cancelRequested[result.TaskID]
	delete(s.cancelRequested, result.TaskID)
	s.mu.Unlock()

	if cancelled {
		_, err := s.store.UpdateTask(result.TaskID, domain.ActTaskCancelled, domain.ActorScheduler, func(t *domain.Task) error {
			t.Status = domain.StatusCancelled
			t.Attempts = append(t.Attempts, attemptRecord(result))
			return nil
		})
		if err != nil {
			s.opts.Logger.Error("task %s cancel not applied: %v", result.TaskID, err)
		}
		return
	}

	task, ok := s.store.GetTask(result.TaskID)
	if !ok {
		return
	}
	retries := task.RetryCount + 1
	if isTransient(result.Err) {
		// Transient failures burn attempts at half rate. The audit trail
		// still grows, and its length is the hard ceiling that keeps a
		// permanently flapping task from retrying forever.
		retries /= 2
	}

	exhausted := retries >= s.opts.MaxAttempts || len(task.Attempts)+1 >= 2*s.opts.MaxAttempts
	act := domain.ActTaskRequeued
	status := domain.StatusPending
	if exhausted {
		act = domain.ActTaskFail
		status = domain.StatusFailed
	}

	updated, err := s.store.UpdateTask(result.TaskID, act, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = status
		t.RetryCount = retries
		t.Error = result.Err.Error()
		t.Attempts = append(t.Attempts, attemptRecord(result))
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("task %s failure not applied: %v", result.TaskID, err)
		return
	}

	if exhausted {
		s.recordOutcome(ctx, updated, false, result.Err.Error())
		s.blockDependents(updated.ID)
	}
}

// checkApprovals applies decided gates: approved tasks become dispatchable,
// rejected tasks are cancelled.
func (s *Scheduler) checkApprovals() {
	s.mu.Lock()
	waiting := make(map[string]string, len(s.awaitingApproval))
	for taskID, approvalID := range s.awaitingApproval {
		waiting[taskID] = approvalID
	}
	s.mu.Unlock()

	for taskID, approvalID := range waiting {
		gate, ok := s.approvals.Get(approvalID)
		if !ok || !gate.Decided() {
			continue
		}
		s.mu.Lock()
		delete(s.awaitingApproval, taskID)
		s.mu.Unlock()

		if gate.Decision == domain.DecisionApproved {
			_, err := s.store.UpdateTask(taskID, domain.ActTaskUpdated, domain.ActorScheduler, func(t *domain.Task) error {
				t.Approved = true
				return nil
			})
			if err != nil {
				s.opts.Logger.Error("task %s approval not applied: %v", taskID, err)
			}
			continue
		}

		_, err := s.store.UpdateTask(taskID, domain.ActTaskCancelled, domain.ActorScheduler, func(t *domain.Task) error {
			t.Status = domain.StatusCancelled
			t.Error = "approval rejected: " + gate.Reason
			return nil
		})
		if err != nil {
			s.opts.Logger.Error("task %s rejection not applied: %v", taskID, err)
		}
	}
}

// evaluateTriggers emits events for goals and tasks that have sat too long.
func (s *Scheduler) evaluateTriggers() {
	now := time.Now().UTC()

	for _, goal := range s.store.ListGoals() {
		if goal.Status != domain.GoalActive && goal.Status != domain.GoalDraft {
			continue
		}
		if now.Sub(goal.UpdatedAt) < s.opts.StaleGoalAfter {
			continue
		}
		s.mu.Lock()
		seen := s.staleNotified[goal.ID].Equal(goal.UpdatedAt)
		if !seen {
			s.staleNotified[goal.ID] = goal.UpdatedAt
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		s.emit(domain.ActGoalStale, map[string]any{
			"goal_id":    goal.ID,
			"idle_hours": int(now.Sub(goal.UpdatedAt).Hours()),
		})
	}

	for _, task := range s.store.ListTasks(state.TaskFilter{Status: domain.StatusBlocked}) {
		if now.Sub(task.UpdatedAt) < s.opts.BlockedTaskAfter {
			continue
		}
		s.mu.Lock()
		seen := s.blockedNotified[task.ID].Equal(task.UpdatedAt)
		if !seen {
			s.blockedNotified[task.ID] = task.UpdatedAt
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		s.emit(domain.ActTaskBlocked, map[string]any{
			"task_id":       task.ID,
			"blocked_hours": int(now.Sub(task.UpdatedAt).Hours()),
		})
	}
}

// dispatch submits every currently eligible task in priority then FIFO
// order. The pool preserves that order, so submitting the whole batch keeps
// one slow candidate from starving the rest.
func (s *Scheduler) dispatch() {
	candidates := s.store.ListTasks(state.TaskFilter{Status: domain.StatusPending})
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, task := range candidates {
		s.mu.Lock()
		skip := s.inflight[task.ID] || s.awaitingApproval[task.ID] != ""
		s.mu.Unlock()
		if skip {
			continue
		}
		if !s.dependenciesSatisfied(task) {
			continue
		}

		if !task.Approved && s.opts.Guard != nil {
			decision := s.opts.Guard.Classify(guardrail.Action{
				Description: task.Description,
				Actor:       string(task.Origin),
			})
			switch decision.Verdict {
			case guardrail.VerdictDeny:
				_, err := s.store.UpdateTask(task.ID, domain.ActTaskFail, domain.ActorScheduler, func(t *domain.Task) error {
					t.Status = domain.StatusFailed
					t.Error = "denied by guardrail: " + decision.Reason
					return nil
				})
				if err != nil {
					s.opts.Logger.Error("task %s denial not applied: %v", task.ID, err)
				}
				continue
			case guardrail.VerdictRequireApproval:
				s.requestGate(task, decision)
				continue
			}
		}

		s.mu.Lock()
		s.inflight[task.ID] = true
		s.mu.Unlock()
		s.pool.Submit(task)
	}
}

func (s *Scheduler) requestGate(task *domain.Task, decision guardrail.Decision) {
	id, err := s.approvals.Request(&domain.Approval{
		TaskID: task.ID,
		Type:   domain.ApprovalTaskExecution,
		Level:  decision.Level,
		Reason: decision.Reason,
		Payload: map[string]any{
			"description": task.Description,
			"rule":        decision.Rule,
		},
	})
	if err != nil {
		s.opts.Logger.Error("approval request for task %s failed: %v", task.ID, err)
		return
	}
	s.mu.Lock()
	s.awaitingApproval[task.ID] = id
	s.mu.Unlock()
}

// dependenciesSatisfied reports whether every dependency completed. A
// dependency that terminated any other way blocks the task.
func (s *Scheduler) dependenciesSatisfied(task *domain.Task) bool {
	for _, depID := range task.Dependencies {
		dep, ok := s.store.GetTask(depID)
		if !ok {
			return false
		}
		switch dep.Status {
		case domain.StatusCompleted:
		case domain.StatusFailed, domain.StatusCancelled:
			s.blockTask(task.ID, depID, dep.Status)
			return false
		default:
			return false
		}
	}
	return true
}

func (s *Scheduler) blockTask(taskID, depID string, depStatus domain.Status) {
	_, err := s.store.UpdateTask(taskID, domain.ActTaskBlocked, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusBlocked
		t.Error = fmt.Sprintf("dependency %s %s", depID, depStatus)
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("task %s block not applied: %v", taskID, err)
	}
}

// blockDependents moves pending tasks that depend on a dead task to blocked.
func (s *Scheduler) blockDependents(deadID string) {
	for _, task := range s.store.ListTasks(state.TaskFilter{Status: domain.StatusPending}) {
		for _, depID := range task.Dependencies {
			if depID == deadID {
				s.blockTask(task.ID, deadID, domain.StatusFailed)
				break
			}
		}
	}
}

// --- goal operations ---

// ActivateGoal decomposes the goal into tasks and activates it. On any
// decomposition failure the goal stays draft.
func (s *Scheduler) ActivateGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	goal, ok := s.store.GetGoal(goalID)
	if !ok {
		return nil, fmt.Errorf("goal %s not found", goalID)
	}
	if goal.Status != domain.GoalDraft {
		return nil, otterrors.IllegalTransition("goal "+goalID, string(goal.Status), string(domain.GoalActive))
	}
	if s.opts.Decomposer == nil {
		return nil, fmt.Errorf("no decomposer configured")
	}

	specs, err := s.opts.Decomposer.Decompose(ctx, goal)
	if err != nil {
		return nil, err
	}

	traceID := ident.NewTraceID()
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = ident.NewTaskID()
	}
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, idx := range spec.Dependencies {
			deps = append(deps, ids[idx])
		}
		task := &domain.Task{
			ID:           ids[i],
			Description:  spec.Description,
			Origin:       domain.OriginDecomposition,
			GoalID:       goalID,
			TraceID:      traceID,
			Priority:     spec.Priority(),
			Status:       domain.StatusPending,
			Dependencies: deps,
			Tags:         goalTags(goal),
		}
		if err := s.store.CreateTask(task, domain.ActorScheduler); err != nil {
			return nil, err
		}
	}

	return s.store.UpdateGoal(goalID, domain.ActGoalActivated, domain.ActorScheduler, func(g *domain.Goal) error {
		g.Status = domain.GoalActive
		g.TaskIDs = ids
		return nil
	})
}

// checkGoalCompletion completes the goal once every owned task completed.
func (s *Scheduler) checkGoalCompletion(goalID string) {
	goal, ok := s.store.GetGoal(goalID)
	if !ok || goal.Status != domain.GoalActive {
		return
	}
	for _, taskID := range goal.TaskIDs {
		task, ok := s.store.GetTask(taskID)
		if !ok || task.Status != domain.StatusCompleted {
			return
		}
	}
	_, err := s.store.UpdateGoal(goalID, domain.ActGoalCompleted, domain.ActorScheduler, func(g *domain.Goal) error {
		g.Status = domain.GoalCompleted
		return nil
	})
	if err != nil {
		s.opts.Logger.Error("goal %s completion not applied: %v", goalID, err)
	}
}

// --- task operations ---

// SubmitTask persists a user- or trigger-created task for the next tick.
func (s *Scheduler) SubmitTask(task *domain.Task, actor domain.Actor) (*domain.Task, error) {
	if task.ID == "" {
		task.ID = ident.NewTaskID()
	}
	if task.TraceID == "" {
		task.TraceID = ident.NewTraceID()
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityMedium
	}
	if !task.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", task.Priority)
	}
	if strings.TrimSpace(task.Description) == "" {
		return nil, fmt.Errorf("task description is required")
	}
	task.Status = domain.StatusPending
	if err := s.store.CreateTask(task, actor); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// CancelTask cancels a task in any non-terminal state. Active tasks are
// killed through the pool and finalize on the next drain.
func (s *Scheduler) CancelTask(taskID string) error {
	task, ok := s.store.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	switch task.Status {
	case domain.StatusActive:
		s.mu.Lock()
		s.cancelRequested[taskID] = true
		s.mu.Unlock()
		if !s.pool.Cancel(taskID) {
			// Nothing running: finalize directly.
			s.mu.Lock()
			delete(s.cancelRequested, taskID)
			s.mu.Unlock()
			return s.finalizeCancel(taskID)
		}
		return nil
	case domain.StatusPending, domain.StatusBlocked:
		s.pool.Cancel(taskID)
		s.clearInflight(taskID)
		return s.finalizeCancel(taskID)
	default:
		return otterrors.IllegalTransition("task "+taskID, string(task.Status), string(domain.StatusCancelled))
	}
}

func (s *Scheduler) finalizeCancel(taskID string) error {
	_, err := s.store.UpdateTask(taskID, domain.ActTaskCancelled, domain.ActorScheduler, func(t *domain.Task) error {
		t.Status = domain.StatusCancelled
		return nil
	})
	return err
}

// --- helpers ---

func (s *Scheduler) clearInflight(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}

// recordOutcome feeds the learning store from terminal results.
func (s *Scheduler) recordOutcome(ctx context.Context, task *domain.Task, success bool, detail string) {
	if s.opts.Learnings == nil {
		return
	}
	observation := "completed: " + preview(detail, 200)
	confidence := 0.7
	if !success {
		observation = "failed: " + preview(detail, 200)
		confidence = 0.6
	}
	_, err := s.opts.Learnings.Record(ctx, &domain.Learning{
		Type:        domain.LearningTaskOutcome,
		Context:     preview(task.Description, 120),
		Observation: observation,
		Confidence:  confidence,
		Tags:        task.Tags,
	})
	if err != nil {
		s.opts.Logger.Warn("learning record for task %s failed: %v", task.ID, err)
	}
}

func (s *Scheduler) emit(act string, payload map[string]any) {
	if err := s.store.AppendEvent(&domain.Event{
		Actor:   domain.ActorScheduler,
		Act:     act,
		Payload: payload,
	}); err != nil {
		s.opts.Logger.Error("event append failed for %s: %v", act, err)
	}
}

func attemptRecord(result agentpool.Result) domain.AttemptRecord {
	record := domain.AttemptRecord{
		Attempt:       result.Attempt,
		WorkerID:      result.WorkerID,
		Success:       result.Kind == agentpool.ResultFinished,
		ElapsedMS:     result.Elapsed.Milliseconds(),
		OutputPreview: preview(result.Output, 200),
		StartedAt:     result.StartedAt,
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
		record.ErrorKind = string(otterrors.KindOf(result.Err))
	}
	return record
}

// isTransient matches the failure kinds worth cheaper retries: crashes and
// infrastructure flake, not tool or model refusals.
func isTransient(err error) bool {
	switch otterrors.KindOf(err) {
	case otterrors.KindWorkerCrashed, otterrors.KindTimeout, otterrors.KindStorageUnavailable:
		return true
	}
	return otterrors.IsTransient(err)
}

func goalTags(goal *domain.Goal) []string {
	words := strings.Fields(strings.ToLower(goal.Description))
	if len(words) > 3 {
		words = words[:3]
	}
	return words
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
