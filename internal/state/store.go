// Package state implements the entity store: in-memory maps from id to task,
// goal and approval, write-ahead through the event log, with periodic
// snapshots so startup only replays the delta. The scheduler goroutine is the
// single writer; readers always receive clones.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/eventlog"
	"otto/internal/logging"
)

// Options tunes the store.
type Options struct {
	// SnapshotEvery writes a snapshot after this many applied events. Zero
	// means the default of 256; negative disables automatic snapshots.
	SnapshotEvery int
	Logger        logging.Logger
}

// Store owns the entity maps. Every mutation goes through the event log
// first, then the in-memory map, so replaying the log reconstructs exactly
// this state.
type Store struct {
	log         *eventlog.Store
	snapshotDir string
	opts        Options

	mu          sync.RWMutex
	tasks       map[string]*domain.Task
	goals       map[string]*domain.Goal
	approvals   map[string]*domain.Approval
	lastEventID string
	sinceSnap   int
}

type snapshot struct {
	LastEventID string                      `json:"last_event_id"`
	TakenAt     time.Time                   `json:"taken_at"`
	Tasks       map[string]*domain.Task     `json:"tasks"`
	Goals       map[string]*domain.Goal     `json:"goals"`
	Approvals   map[string]*domain.Approval `json:"approvals"`
}

// Open loads the newest snapshot from snapshotDir, then replays every event
// the log holds beyond it.
func Open(log *eventlog.Store, snapshotDir string, opts Options) (*Store, error) {
	if opts.SnapshotEvery == 0 {
		opts.SnapshotEvery = 256
	}
	opts.Logger = logging.OrNop(opts.Logger)

	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, otterrors.StorageUnavailable("state.open", err)
	}

	s := &Store{
		log:         log,
		snapshotDir: snapshotDir,
		opts:        opts,
		tasks:       map[string]*domain.Task{},
		goals:       map[string]*domain.Goal{},
		approvals:   map[string]*domain.Approval{},
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := log.Replay(s.lastEventID, func(e *domain.Event) error {
		s.apply(e)
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// record appends the event and applies it to the in-memory maps. Callers hold
// the write lock.
func (s *Store) record(event *domain.Event) error {
	if err := s.log.Append(event); err != nil {
		return err
	}
	s.apply(event)
	if s.opts.SnapshotEvery > 0 && s.sinceSnap >= s.opts.SnapshotEvery {
		if err := s.snapshotLocked(); err != nil {
			s.opts.Logger.Warn("snapshot failed: %v", err)
		}
	}
	return nil
}

// apply folds one event into the maps. Replay and live writes share this
// path, which is what makes recovery deterministic: the payload carries the
// full post-state of the entity.
func (s *Store) apply(event *domain.Event) {
	switch {
	case strings.HasPrefix(event.Act, "task_"):
		var task domain.Task
		if decodePayload(event.Payload, "task", &task) {
			s.tasks[task.ID] = &task
		}
	case strings.HasPrefix(event.Act, "goal_"):
		var goal domain.Goal
		if decodePayload(event.Payload, "goal", &goal) {
			s.goals[goal.ID] = &goal
		}
	case strings.HasPrefix(event.Act, "approval_"):
		var approval domain.Approval
		if decodePayload(event.Payload, "approval", &approval) {
			s.approvals[approval.ID] = &approval
		}
	}
	s.lastEventID = event.ID
	s.sinceSnap++
}

func decodePayload(payload map[string]any, key string, dst any) bool {
	entity, ok := payload[key]
	if !ok {
		return false
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// --- tasks ---

// CreateTask persists a new task. The task must carry its id already.
func (s *Store) CreateTask(task *domain.Task, actor domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	return s.record(&domain.Event{
		Actor:   actor,
		Act:     domain.ActTaskCreated,
		TraceID: task.TraceID,
		Payload: map[string]any{"task": task},
	})
}

// GetTask returns a clone of the task, or false.
func (s *Store) GetTask(id string) (*domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	return task.Clone(), ok
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status   domain.Status
	GoalID   string
	Origin   domain.Origin
	Priority domain.Priority
}

// ListTasks returns clones of matching tasks ordered by creation time.
func (s *Store) ListTasks(filter TaskFilter) []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Task
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.GoalID != "" && task.GoalID != filter.GoalID {
			continue
		}
		if filter.Origin != "" && task.Origin != filter.Origin {
			continue
		}
		if filter.Priority != "" && task.Priority != filter.Priority {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateTask applies mutate to the task under the write lock and persists the
// result. Terminal tasks reject status changes with IllegalTransition; audit
// appends (attempts) against terminal tasks are still allowed.
func (s *Store) UpdateTask(id string, act string, actor domain.Actor, mutate func(*domain.Task) error) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Status != current.Status {
		if !current.CanTransition(next.Status) {
			return nil, otterrors.IllegalTransition("task "+id, string(current.Status), string(next.Status))
		}
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.record(&domain.Event{
		Actor:   actor,
		Act:     act,
		TraceID: next.TraceID,
		Payload: map[string]any{"task": next, "task_id": next.ID, "status": string(next.Status)},
	}); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// --- goals ---

// CreateGoal persists a new goal.
func (s *Store) CreateGoal(goal *domain.Goal, actor domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if goal.ID == "" {
		return fmt.Errorf("goal id is required")
	}
	if _, exists := s.goals[goal.ID]; exists {
		return fmt.Errorf("goal %s already exists", goal.ID)
	}
	now := time.Now().UTC()
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = now
	}
	goal.UpdatedAt = now
	if goal.Status == "" {
		goal.Status = domain.GoalDraft
	}
	return s.record(&domain.Event{
		Actor:   actor,
		Act:     domain.ActGoalCreated,
		Payload: map[string]any{"goal": goal},
	})
}

// GetGoal returns a clone of the goal, or false.
func (s *Store) GetGoal(id string) (*domain.Goal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.goals[id]
	return goal.Clone(), ok
}

// ListGoals returns clones of all goals ordered by creation time.
func (s *Store) ListGoals() []*domain.Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Goal, 0, len(s.goals))
	for _, goal := range s.goals {
		out = append(out, goal.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateGoal applies mutate and persists. Terminal goals are immutable.
func (s *Store) UpdateGoal(id string, act string, actor domain.Actor, mutate func(*domain.Goal) error) (*domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s not found", id)
	}
	if current.Status.IsTerminal() {
		return nil, otterrors.IllegalTransition("goal "+id, string(current.Status), "updated")
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.record(&domain.Event{
		Actor:   actor,
		Act:     act,
		Payload: map[string]any{"goal": next, "goal_id": next.ID},
	}); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// --- approvals ---

// PutApproval persists an approval create or decision. The approval queue
// enforces the exactly-once decision rule; this only stores.
func (s *Store) PutApproval(approval *domain.Approval, act string, actor domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(&domain.Event{
		Actor:   actor,
		Act:     act,
		Payload: map[string]any{"approval": approval, "approval_id": approval.ID},
	})
}

// GetApproval returns a clone of the approval, or false.
func (s *Store) GetApproval(id string) (*domain.Approval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[id]
	return approval.Clone(), ok
}

// ListApprovals returns clones of all approvals, pending first, then by age.
func (s *Store) ListApprovals() []*domain.Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Approval, 0, len(s.approvals))
	for _, approval := range s.approvals {
		out = append(out, approval.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Decided() != out[j].Decided() {
			return !out[i].Decided()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- events passthrough ---

// AppendEvent writes a non-entity event (tool start/finish, triggers,
// pressure) through the same log.
func (s *Store) AppendEvent(event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(event); err != nil {
		return err
	}
	s.lastEventID = event.ID
	s.sinceSnap++
	return nil
}

// --- snapshots ---

// Snapshot forces a snapshot now.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() error {
	snap := snapshot{
		LastEventID: s.lastEventID,
		TakenAt:     time.Now().UTC(),
		Tasks:       s.tasks,
		Goals:       s.goals,
		Approvals:   s.approvals,
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename keeps a crashed snapshot from shadowing a good one.
	final := filepath.Join(s.snapshotDir, fmt.Sprintf("%s.json", s.lastEventID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return otterrors.StorageUnavailable("state.snapshot", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return otterrors.StorageUnavailable("state.snapshot", err)
	}
	s.sinceSnap = 0
	s.pruneSnapshots()
	return nil
}

func (s *Store) loadSnapshot() error {
	names, err := s.snapshotNames()
	if err != nil || len(names) == 0 {
		return err
	}
	newest := names[len(names)-1]
	raw, err := os.ReadFile(filepath.Join(s.snapshotDir, newest))
	if err != nil {
		return otterrors.StorageUnavailable("state.load", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A corrupt snapshot is recoverable: fall back to full replay.
		s.opts.Logger.Warn("snapshot %s unreadable, replaying full log: %v", newest, err)
		return nil
	}
	if snap.Tasks != nil {
		s.tasks = snap.Tasks
	}
	if snap.Goals != nil {
		s.goals = snap.Goals
	}
	if snap.Approvals != nil {
		s.approvals = snap.Approvals
	}
	s.lastEventID = snap.LastEventID
	return nil
}

// pruneSnapshots keeps the three newest snapshots.
func (s *Store) pruneSnapshots() {
	names, err := s.snapshotNames()
	if err != nil {
		return
	}
	for len(names) > 3 {
		_ = os.Remove(filepath.Join(s.snapshotDir, names[0]))
		names = names[1:]
	}
}

// snapshotNames returns snapshot files sorted oldest to newest. Event ids
// sort lexicographically in time order, so the filename is the sort key.
func (s *Store) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return nil, otterrors.StorageUnavailable("state.list", err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
