package agentpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
)

// scriptedExecutor records execution order and runs per-task scripts.
type scriptedExecutor struct {
	mu    sync.Mutex
	order []string
	// panicOnce panics the first execution of the listed task ids.
	panicOnce map[string]bool
	// failWith returns an error for the listed task ids.
	failWith map[string]error
	// block holds executions until released; used to keep a worker busy.
	block chan struct{}
	delay time.Duration
}

func (e *scriptedExecutor) ExecuteTask(ctx context.Context, task *domain.Task, workerID string) (string, error) {
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	shouldPanic := e.panicOnce[task.ID]
	if shouldPanic {
		delete(e.panicOnce, task.ID)
	}
	failErr := e.failWith[task.ID]
	e.mu.Unlock()

	if shouldPanic {
		panic("executor blew up")
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}
	return "done " + task.ID, nil
}

func (e *scriptedExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func task(id string, priority domain.Priority) *domain.Task {
	return &domain.Task{ID: id, Description: id, Priority: priority, Status: domain.StatusPending}
}

// collect drains results until every listed task reached a final kind or the
// timeout expires.
func collect(t *testing.T, pool *Pool, want int) []Result {
	t.Helper()
	var out []Result
	finals := 0
	deadline := time.After(10 * time.Second)
	for finals < want {
		select {
		case result, ok := <-pool.Results():
			if !ok {
				return out
			}
			out = append(out, result)
			if result.Kind == ResultFinished || result.Kind == ResultFailed {
				finals++
			}
		case <-deadline:
			t.Fatalf("timed out with %d/%d final results", finals, want)
		}
	}
	return out
}

func TestSingleTaskLifecycle(t *testing.T) {
	executor := &scriptedExecutor{}
	pool := New(executor, Options{Size: 1})
	defer pool.Shutdown(time.Second)

	pool.Submit(task("t1", domain.PriorityMedium))
	results := collect(t, pool, 1)

	require.Len(t, results, 2)
	assert.Equal(t, ResultStarted, results[0].Kind)
	assert.Equal(t, "w0", results[0].WorkerID)
	assert.Equal(t, ResultFinished, results[1].Kind)
	assert.Equal(t, "done t1", results[1].Output)
	assert.Equal(t, 1, results[1].Attempt)
}

func TestPriorityOrdering(t *testing.T) {
	executor := &scriptedExecutor{block: make(chan struct{})}
	pool := New(executor, Options{Size: 1})
	defer pool.Shutdown(time.Second)

	// Occupy the single worker so later submissions queue up.
	pool.Submit(task("hold", domain.PriorityCritical))
	require.Eventually(t, func() bool {
		return len(executor.executed()) == 1
	}, time.Second, 5*time.Millisecond)

	pool.Submit(task("low", domain.PriorityLow))
	pool.Submit(task("med", domain.PriorityMedium))
	pool.Submit(task("crit", domain.PriorityCritical))
	close(executor.block)

	collect(t, pool, 4)
	assert.Equal(t, []string{"hold", "crit", "med", "low"}, executor.executed())
}

// Given a steady sequence of equal-priority submissions, dispatch order
// equals submission order.
func TestFIFOWithinPriorityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("dispatch order equals submission order", prop.ForAll(
		func(n int) bool {
			executor := &scriptedExecutor{block: make(chan struct{})}
			pool := New(executor, Options{Size: 1, QueueHighWater: 1 << 30})
			defer pool.Shutdown(time.Second)

			pool.Submit(task("hold", domain.PriorityMedium))
			ok := waitFor(func() bool { return len(executor.executed()) == 1 })
			if !ok {
				return false
			}

			want := []string{"hold"}
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("t%03d", i)
				want = append(want, id)
				pool.Submit(task(id, domain.PriorityMedium))
			}
			close(executor.block)

			if !waitFor(func() bool { return len(executor.executed()) == n+1 }) {
				return false
			}
			got := executor.executed()
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 25),
	))
	properties.TestingRun(t)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func TestCrashRequeuesAtHeadAndRespawns(t *testing.T) {
	events := &eventRecorder{}
	executor := &scriptedExecutor{panicOnce: map[string]bool{"t4": true}}
	pool := New(executor, Options{
		Size:           1,
		MaxAttempts:    3,
		RestartBackoff: 10 * time.Millisecond,
		Events:         events,
	})
	defer pool.Shutdown(time.Second)

	pool.Submit(task("t4", domain.PriorityMedium))
	results := collect(t, pool, 1)

	var kinds []ResultKind
	for _, r := range results {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []ResultKind{ResultStarted, ResultRequeued, ResultStarted, ResultFinished}, kinds)

	requeued := results[1]
	assert.Equal(t, otterrors.KindWorkerCrashed, otterrors.KindOf(requeued.Err))
	assert.Equal(t, "w0", requeued.WorkerID)

	finished := results[3]
	assert.Equal(t, 2, finished.Attempt, "second attempt succeeds")
	assert.Equal(t, "w0-r1", finished.WorkerID, "replacement worker ran it")

	assert.NotNil(t, events.find(domain.ActWorkerRespawned))
}

func TestCrashExhaustsAttempts(t *testing.T) {
	pool := New(&panicExecutor{}, Options{
		Size:           1,
		MaxAttempts:    2,
		RestartBackoff: 5 * time.Millisecond,
	})
	defer pool.Shutdown(time.Second)

	pool.Submit(task("doomed", domain.PriorityHigh))
	results := collect(t, pool, 1)

	final := results[len(results)-1]
	assert.Equal(t, ResultFailed, final.Kind)
	assert.Equal(t, 2, final.Attempt)
	assert.Equal(t, otterrors.KindWorkerCrashed, otterrors.KindOf(final.Err))
}

type panicExecutor struct{}

func (panicExecutor) ExecuteTask(ctx context.Context, task *domain.Task, workerID string) (string, error) {
	panic("always")
}

func TestOrdinaryFailureIsNotRequeued(t *testing.T) {
	executor := &scriptedExecutor{failWith: map[string]error{"t1": fmt.Errorf("tool broke")}}
	pool := New(executor, Options{Size: 1, MaxAttempts: 3})
	defer pool.Shutdown(time.Second)

	pool.Submit(task("t1", domain.PriorityMedium))
	results := collect(t, pool, 1)

	require.Len(t, results, 2)
	assert.Equal(t, ResultFailed, results[1].Kind)
	assert.Len(t, executor.executed(), 1, "retry policy belongs to the scheduler")
}

func TestTerminalResultsReleaseAttemptTracking(t *testing.T) {
	executor := &scriptedExecutor{failWith: map[string]error{"bad": fmt.Errorf("tool broke")}}
	pool := New(executor, Options{Size: 1, MaxAttempts: 3})
	defer pool.Shutdown(time.Second)

	pool.Submit(task("bad", domain.PriorityMedium))
	pool.Submit(task("good", domain.PriorityMedium))
	collect(t, pool, 2)

	// Failed and finished submissions alike must not accumulate entries
	// over a long-running pool.
	pool.mu.Lock()
	remaining := len(pool.attempts)
	pool.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestCancelQueuedAndRunning(t *testing.T) {
	executor := &scriptedExecutor{block: make(chan struct{})}
	pool := New(executor, Options{Size: 1})
	defer pool.Shutdown(100 * time.Millisecond)

	pool.Submit(task("running", domain.PriorityMedium))
	require.Eventually(t, func() bool {
		return len(executor.executed()) == 1
	}, time.Second, 5*time.Millisecond)
	pool.Submit(task("queued", domain.PriorityMedium))

	assert.True(t, pool.Cancel("queued"), "queued task dropped")
	assert.True(t, pool.Cancel("running"), "running task context cancelled")
	assert.False(t, pool.Cancel("unknown"))

	results := collect(t, pool, 1)
	final := results[len(results)-1]
	assert.Equal(t, "running", final.TaskID)
	assert.Equal(t, ResultFailed, final.Kind)
}

func TestStatusReportsWorkersAndQueue(t *testing.T) {
	executor := &scriptedExecutor{block: make(chan struct{})}
	pool := New(executor, Options{Size: 2})
	defer pool.Shutdown(100 * time.Millisecond)

	pool.Submit(task("a", domain.PriorityMedium))
	pool.Submit(task("b", domain.PriorityMedium))
	pool.Submit(task("c", domain.PriorityMedium))

	require.Eventually(t, func() bool {
		status := pool.Status()
		busy := 0
		for _, w := range status.Workers {
			if w.Busy {
				busy++
			}
		}
		return busy == 2 && status.QueueLen == 1
	}, time.Second, 5*time.Millisecond)

	close(executor.block)
	collect(t, pool, 3)

	status := pool.Status()
	assert.Equal(t, 0, status.QueueLen)
	total := 0
	for _, w := range status.Workers {
		total += w.Completed
	}
	assert.Equal(t, 3, total)
}

func TestQueuePressureEvent(t *testing.T) {
	events := &eventRecorder{}
	executor := &scriptedExecutor{block: make(chan struct{})}
	pool := New(executor, Options{Size: 1, QueueHighWater: 3, Events: events})
	defer pool.Shutdown(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		pool.Submit(task(fmt.Sprintf("t%d", i), domain.PriorityLow))
	}

	require.Eventually(t, func() bool {
		return events.find(domain.ActQueuePressure) != nil
	}, time.Second, 5*time.Millisecond)
	close(executor.block)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	executor := &scriptedExecutor{}
	pool := New(executor, Options{Size: 1})
	pool.Shutdown(time.Second)

	pool.Submit(task("late", domain.PriorityMedium))
	assert.Empty(t, executor.executed())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (r *eventRecorder) AppendEvent(event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) find(act string) *domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Act == act {
			return e
		}
	}
	return nil
}
