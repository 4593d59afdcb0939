// Package approval implements the human-in-the-loop gate: pending approval
// records with exactly-once decisions, registered continuations for resuming
// gated work, and persistence through the entity store so open approvals
// survive a restart.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otto/internal/domain"
	"otto/internal/ident"
	"otto/internal/logging"
	"otto/internal/state"
)

// Continuation runs after an approval is decided. Used by the scheduler to
// resume or cancel the gated task and by workers blocked on a gated tool.
type Continuation func(approval *domain.Approval)

// Queue manages pending approvals. Decisions are final: a second Decide on
// the same id fails.
type Queue struct {
	store  *state.Store
	logger logging.Logger

	mu            sync.Mutex
	continuations map[string][]Continuation
	waiters       map[string][]chan *domain.Approval
}

// NewQueue builds a queue over the entity store.
func NewQueue(store *state.Store, logger logging.Logger) *Queue {
	return &Queue{
		store:         store,
		logger:        logging.OrNop(logger),
		continuations: map[string][]Continuation{},
		waiters:       map[string][]chan *domain.Approval{},
	}
}

// Request opens a new approval and returns its id. The payload must already
// be redacted by the caller.
func (q *Queue) Request(approval *domain.Approval) (string, error) {
	if approval.ID == "" {
		approval.ID = ident.NewApprovalID()
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	if err := q.store.PutApproval(approval, domain.ActApprovalRequested, domain.ActorSystem); err != nil {
		return "", err
	}
	q.logger.Info("approval %s requested (%s/%s): %s", approval.ID, approval.Type, approval.Level, approval.Reason)
	return approval.ID, nil
}

// Pending lists open approvals oldest first.
func (q *Queue) Pending() []*domain.Approval {
	var out []*domain.Approval
	for _, approval := range q.store.ListApprovals() {
		if !approval.Decided() {
			out = append(out, approval)
		}
	}
	return out
}

// Get returns one approval by id.
func (q *Queue) Get(id string) (*domain.Approval, bool) {
	return q.store.GetApproval(id)
}

// OnDecision registers a continuation invoked once when the approval is
// decided. Registering against an already-decided approval fires immediately.
// The decided check and the registration happen under the same lock Decide
// drains under, so a concurrent decision cannot slip between them.
func (q *Queue) OnDecision(id string, fn Continuation) {
	q.mu.Lock()
	if approval, ok := q.store.GetApproval(id); ok && approval.Decided() {
		q.mu.Unlock()
		fn(approval)
		return
	}
	q.continuations[id] = append(q.continuations[id], fn)
	q.mu.Unlock()
}

// Decide closes the approval exactly once and fires continuations and
// waiters. Re-deciding returns an error and changes nothing. The lock spans
// the decided check through the waiter drain; continuations fire outside it
// so they may call back into the queue.
func (q *Queue) Decide(id string, decision domain.Decision, decidedBy string) (*domain.Approval, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	q.mu.Lock()
	current, ok := q.store.GetApproval(id)
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if current.Decided() {
		q.mu.Unlock()
		return nil, fmt.Errorf("approval %s already decided as %s", id, current.Decision)
	}

	now := time.Now().UTC()
	current.Decision = decision
	current.DecidedBy = decidedBy
	current.DecidedAt = &now
	if err := q.store.PutApproval(current, domain.ActApprovalDecided, domain.ActorUser); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	continuations := q.continuations[id]
	delete(q.continuations, id)
	waiters := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()

	q.logger.Info("approval %s decided %s by %s", id, decision, decidedBy)

	for _, fn := range continuations {
		fn(current.Clone())
	}
	for _, ch := range waiters {
		ch <- current.Clone()
		close(ch)
	}
	return current, nil
}

// WaitDecision blocks until the approval is decided or the context ends.
// Workers gated on a tool call park here.
func (q *Queue) WaitDecision(ctx context.Context, id string) (*domain.Approval, error) {
	ch := make(chan *domain.Approval, 1)
	q.mu.Lock()
	if approval, ok := q.store.GetApproval(id); ok && approval.Decided() {
		q.mu.Unlock()
		return approval, nil
	}
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case approval := <-ch:
		return approval, nil
	case <-ctx.Done():
		q.mu.Lock()
		remaining := q.waiters[id][:0]
		for _, w := range q.waiters[id] {
			if w != ch {
				remaining = append(remaining, w)
			}
		}
		q.waiters[id] = remaining
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}
