// Package agentpool runs the long-lived agent workers. The scheduler submits
// dependency-satisfied tasks; workers pull them in priority order and report
// outcomes over a unidirectional results channel. Crash recovery (requeue at
// head, respawn with backoff) lives here; retry policy for ordinary failures
// belongs to the scheduler.
package agentpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/logging"
	"otto/internal/observability"
)

// Executor runs one task to completion. Implemented by the agent loop.
type Executor interface {
	ExecuteTask(ctx context.Context, task *domain.Task, workerID string) (string, error)
}

// EventSink receives the pool's operational events (queue pressure, worker
// respawns). Task lifecycle events are the scheduler's to write.
type EventSink interface {
	AppendEvent(event *domain.Event) error
}

// ResultKind discriminates messages on the results channel.
type ResultKind string

const (
	// ResultStarted is sent the moment a worker picks a task up.
	ResultStarted  ResultKind = "started"
	ResultFinished ResultKind = "finished"
	ResultFailed   ResultKind = "failed"
	// ResultRequeued reports a crash whose task went back to the head of its
	// priority class; the pool will run it again without a resubmit.
	ResultRequeued ResultKind = "requeued"
)

// Result is one worker-to-scheduler message.
type Result struct {
	Kind      ResultKind
	TaskID    string
	WorkerID  string
	Attempt   int
	Output    string
	Err       error
	Elapsed   time.Duration
	StartedAt time.Time
}

// WorkerStatus is the externally visible state of one worker.
type WorkerStatus struct {
	ID          string `json:"id"`
	Busy        bool   `json:"busy"`
	CurrentTask string `json:"current_task,omitempty"`
	Completed   int    `json:"completed"`
	Respawns    int    `json:"respawns"`
}

// PoolStatus reports the pool for the status API.
type PoolStatus struct {
	Workers  []WorkerStatus `json:"workers"`
	QueueLen int            `json:"queue_len"`
}

// Options tunes the pool.
type Options struct {
	Size              int
	MaxAttempts       int
	RestartBackoff    time.Duration
	RestartBackoffCap time.Duration
	HardKillGrace     time.Duration
	// QueueHighWater is the queue length past which pressure events fire;
	// each doubling fires another.
	QueueHighWater int

	Events  EventSink
	Metrics *observability.MetricsCollector
	Logger  logging.Logger
}

func (o *Options) fill() {
	if o.Size <= 0 {
		o.Size = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 500 * time.Millisecond
	}
	if o.RestartBackoffCap <= 0 {
		o.RestartBackoffCap = 30 * time.Second
	}
	if o.HardKillGrace <= 0 {
		o.HardKillGrace = 5 * time.Second
	}
	if o.QueueHighWater <= 0 {
		o.QueueHighWater = 10
	}
	o.Logger = logging.OrNop(o.Logger)
}

type workerState struct {
	id        string
	slot      int
	busy      bool
	current   string
	completed int
	respawns  int
}

// Pool is the worker pool.
type Pool struct {
	opts     Options
	executor Executor
	results  chan Result

	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityQueue
	workers  []*workerState
	attempts map[string]int
	inflight map[string]context.CancelFunc
	// nextPressure is the queue length at which the next pressure event
	// fires; doubles each time.
	nextPressure int
	draining     bool
	closed       bool

	wg sync.WaitGroup
}

// New builds and starts the pool.
func New(executor Executor, opts Options) *Pool {
	opts.fill()
	p := &Pool{
		opts:         opts,
		executor:     executor,
		results:      make(chan Result, 1024),
		attempts:     map[string]int{},
		inflight:     map[string]context.CancelFunc{},
		nextPressure: opts.QueueHighWater,
	}
	p.cond = sync.NewCond(&p.mu)
	for slot := 0; slot < opts.Size; slot++ {
		w := &workerState{id: fmt.Sprintf("w%d", slot), slot: slot}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p
}

// Results is the unidirectional channel workers report through.
func (p *Pool) Results() <-chan Result { return p.results }

// Submit enqueues a task. The task must already be dependency-satisfied;
// ordering within a priority class is submission order.
func (p *Pool) Submit(task *domain.Task) string {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return task.ID
	}
	p.queue.pushTail(task.Clone())
	p.checkPressureLocked()
	p.mu.Unlock()
	p.cond.Signal()
	return task.ID
}

// Status reports workers and queue length.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := PoolStatus{QueueLen: p.queue.len()}
	for _, w := range p.workers {
		status.Workers = append(status.Workers, WorkerStatus{
			ID:          w.id,
			Busy:        w.busy,
			CurrentTask: w.current,
			Completed:   w.completed,
			Respawns:    w.respawns,
		})
	}
	return status
}

// Cancel kills the in-flight execution of a task or drops it from the
// queue. Reports whether anything was cancelled.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, running := p.inflight[taskID]
	removed := false
	if !running {
		removed = p.queue.remove(taskID)
	}
	p.mu.Unlock()
	if running {
		cancel()
		return true
	}
	return removed
}

// Shutdown stops accepting work, lets workers finish their current task for
// up to grace, then cancels whatever is still running.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.mu.Lock()
		for _, cancel := range p.inflight {
			cancel()
		}
		p.mu.Unlock()
		select {
		case <-done:
		case <-time.After(p.opts.HardKillGrace):
			// A wedged worker keeps the results channel open; readers stop
			// on their own once Shutdown returns.
			return
		}
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.results)
	}
	p.mu.Unlock()
}

// next blocks until a task is available or the pool drains.
func (p *Pool) next(w *workerState) (*domain.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if task := p.queue.pop(); task != nil {
			w.busy = true
			w.current = task.ID
			return task, true
		}
		if p.draining {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) runWorker(w *workerState) {
	defer p.wg.Done()
	for {
		task, ok := p.next(w)
		if !ok {
			return
		}
		crashed := p.execute(w, task)
		p.mu.Lock()
		w.busy = false
		w.current = ""
		p.mu.Unlock()
		if crashed {
			// The goroutine is done for; a replacement spawns after backoff.
			p.respawn(w)
			return
		}
	}
}

// execute runs one assignment, converting a panic into a crash requeue.
func (p *Pool) execute(w *workerState, task *domain.Task) (crashed bool) {
	p.mu.Lock()
	p.attempts[task.ID]++
	attempt := p.attempts[task.ID]
	ctx, cancel := context.WithCancel(context.Background())
	p.inflight[task.ID] = cancel
	p.mu.Unlock()

	started := time.Now()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, task.ID)
		p.mu.Unlock()
		cancel()

		if r := recover(); r != nil {
			crashed = true
			p.opts.Logger.Error("worker %s crashed on %s: %v", w.id, task.ID, r)
			cause := otterrors.WorkerCrashed(w.id, task.ID, fmt.Errorf("%v", r))
			if attempt < p.opts.MaxAttempts {
				p.mu.Lock()
				p.queue.pushHead(task)
				p.mu.Unlock()
				p.cond.Signal()
				p.send(Result{
					Kind: ResultRequeued, TaskID: task.ID, WorkerID: w.id,
					Attempt: attempt, Err: cause,
					Elapsed: time.Since(started), StartedAt: started,
				})
			} else {
				p.mu.Lock()
				delete(p.attempts, task.ID)
				p.mu.Unlock()
				p.send(Result{
					Kind: ResultFailed, TaskID: task.ID, WorkerID: w.id,
					Attempt: attempt, Err: cause,
					Elapsed: time.Since(started), StartedAt: started,
				})
			}
		}
	}()

	p.send(Result{Kind: ResultStarted, TaskID: task.ID, WorkerID: w.id, Attempt: attempt, StartedAt: started})
	p.opts.Metrics.TaskStarted(ctx)
	defer p.opts.Metrics.TaskFinished(ctx)

	output, err := p.executor.ExecuteTask(ctx, task, w.id)
	elapsed := time.Since(started)
	if err != nil {
		// Failed is terminal for this submission; a resubmit starts a fresh
		// attempt count. Only crash requeues keep the entry alive.
		p.mu.Lock()
		delete(p.attempts, task.ID)
		p.mu.Unlock()
		p.send(Result{
			Kind: ResultFailed, TaskID: task.ID, WorkerID: w.id,
			Attempt: attempt, Err: err, Elapsed: elapsed, StartedAt: started,
		})
		return false
	}

	p.mu.Lock()
	w.completed++
	delete(p.attempts, task.ID)
	p.mu.Unlock()
	p.send(Result{
		Kind: ResultFinished, TaskID: task.ID, WorkerID: w.id,
		Attempt: attempt, Output: output, Elapsed: elapsed, StartedAt: started,
	})
	return false
}

// respawn replaces a crashed worker after an exponential backoff.
func (p *Pool) respawn(dead *workerState) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	respawns := dead.respawns + 1
	backoff := p.opts.RestartBackoff << (respawns - 1)
	if backoff > p.opts.RestartBackoffCap || backoff <= 0 {
		backoff = p.opts.RestartBackoffCap
	}
	replacement := &workerState{
		id:       fmt.Sprintf("w%d-r%d", dead.slot, respawns),
		slot:     dead.slot,
		respawns: respawns,
	}
	p.workers[dead.slot] = replacement
	p.mu.Unlock()

	p.emit(domain.ActWorkerRespawned, map[string]any{
		"worker_id":  replacement.id,
		"replaced":   dead.id,
		"backoff_ms": backoff.Milliseconds(),
		"respawns":   respawns,
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		time.Sleep(backoff)
		p.wg.Add(1)
		go p.runWorker(replacement)
	}()
}

func (p *Pool) send(result Result) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.results <- result
}

// checkPressureLocked emits a queue_pressure event when the queue crosses
// the current high-water mark, then doubles the mark.
func (p *Pool) checkPressureLocked() {
	depth := p.queue.len()
	if depth < p.nextPressure {
		return
	}
	mark := p.nextPressure
	p.nextPressure *= 2
	go p.emit(domain.ActQueuePressure, map[string]any{
		"queue_len":  depth,
		"high_water": mark,
	})
}

func (p *Pool) emit(act string, payload map[string]any) {
	if p.opts.Events == nil {
		return
	}
	if err := p.opts.Events.AppendEvent(&domain.Event{
		Actor:   domain.ActorSystem,
		Act:     act,
		Payload: payload,
	}); err != nil {
		p.opts.Logger.Error("event append failed for %s: %v", act, err)
	}
}
