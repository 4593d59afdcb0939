package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	otterrors "otto/internal/errors"
	"otto/internal/guardrail"
	"otto/internal/logging"
)

// State is the lifecycle phase of a sandbox worker.
type State string

const (
	StateSpawning    State = "spawning"
	StateLoaded      State = "loaded"
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

// Options tunes a worker. BinPath defaults to the running binary, re-exec'd
// with the hidden worker subcommand.
type Options struct {
	BinPath       string
	Args          []string
	LoadTimeout   time.Duration
	CallTimeout   time.Duration
	ShutdownGrace time.Duration
	MaxMemoryMiB  int
	MaxSteps      int64
	Logger        logging.Logger
	Redactor      *guardrail.Redactor
	// ExtraEnv is appended to the stripped worker environment. Tests use it
	// to steer the re-exec'd binary into worker mode.
	ExtraEnv []string
}

func (o *Options) fill() {
	if o.BinPath == "" {
		if exe, err := os.Executable(); err == nil {
			o.BinPath = exe
		}
	}
	if len(o.Args) == 0 {
		o.Args = []string{"sandbox-worker"}
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 2 * time.Second
	}
	if o.MaxMemoryMiB <= 0 {
		o.MaxMemoryMiB = 64
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 2_000_000
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Worker is the host-side handle on one sandbox subprocess. A worker hosts
// one loaded plugin; calls are serialized, matching the one-call-at-a-time
// contract the wire protocol assumes.
type Worker struct {
	name string
	opts Options
	api  *HostAPI

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	callMu  sync.Mutex

	mu      sync.Mutex
	state   State
	exports []string
	pending map[string]chan *Frame

	procDone chan struct{}
	exitErr  error
}

// Spawn starts a fresh worker process. The child environment is stripped to
// an allowlist, no descriptors beyond the stdio pipes are inherited, and the
// memory ceiling is passed for the child to apply before touching plugin
// code.
func Spawn(name string, api *HostAPI, opts Options) (*Worker, error) {
	opts.fill()
	if api == nil {
		api = NewHostAPI()
	}

	w := &Worker{
		name:     name,
		opts:     opts,
		api:      api,
		state:    StateSpawning,
		pending:  map[string]chan *Frame{},
		procDone: make(chan struct{}),
	}

	cmd := exec.Command(opts.BinPath, opts.Args...)
	cmd.Env = append(workerEnv(opts.MaxMemoryMiB), opts.ExtraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, otterrors.SandboxCrashed(name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, otterrors.SandboxCrashed(name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, otterrors.SandboxCrashed(name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, otterrors.SandboxCrashed(name, err)
	}

	w.cmd = cmd
	w.stdin = stdin

	go w.readFrames(stdout)
	go w.readStderr(stderr)
	go w.monitor()
	return w, nil
}

// workerEnv builds the stripped environment: PATH, HOME and TMPDIR only,
// plus the sandbox's own knobs. Nothing else from the host leaks in.
func workerEnv(maxMemoryMiB int) []string {
	env := []string{fmt.Sprintf("OTTO_SANDBOX_MEMORY_MIB=%d", maxMemoryMiB)}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// State returns the worker's lifecycle phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Exports lists the callables the loaded plugin advertised.
func (w *Worker) Exports() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.exports...)
}

// Load ships plugin code into the worker and waits for it to advertise its
// exports. Exceeding the load timeout kills the worker.
func (w *Worker) Load(ctx context.Context, code string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.LoadTimeout)
	defer cancel()

	frame, err := w.roundTrip(ctx, &Frame{
		Kind:     FrameLoad,
		ID:       uuid.NewString(),
		Code:     code,
		MaxSteps: w.opts.MaxSteps,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			w.Kill()
			return nil, otterrors.LoadTimeout(w.name, w.opts.LoadTimeout)
		}
		return nil, err
	}
	if frame.Kind == FrameError {
		w.setState(StateDead)
		w.Kill()
		return nil, fmt.Errorf("plugin %s failed to load: %s", w.name, frame.Error)
	}

	w.mu.Lock()
	w.state = StateIdle
	w.exports = frame.Exports
	w.mu.Unlock()
	return frame.Exports, nil
}

// Call invokes an exported plugin function. Arguments and results traverse
// the redactor; a call that outlives the call timeout terminates the worker
// and fails with Timeout.
func (w *Worker) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	if err := CheckSerializable(args); err != nil {
		return nil, otterrors.NotSerializable("call arguments")
	}
	if w.opts.Redactor != nil {
		args = w.opts.Redactor.Payload(args)
	}

	w.setState(StateRunning)
	defer func() {
		if w.State() == StateRunning {
			w.setState(StateIdle)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancel()

	frame, err := w.roundTrip(ctx, &Frame{
		Kind: FrameCall,
		ID:   uuid.NewString(),
		Name: name,
		Args: args,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			// The plugin is wedged; there is no way to interrupt Starlark
			// mid-call from outside, so the whole worker goes down.
			w.setState(StateTerminating)
			w.Kill()
			return nil, otterrors.OperationTimeout("sandbox call "+name, w.opts.CallTimeout)
		}
		return nil, err
	}
	if frame.Kind == FrameError {
		if frame.ErrKind == string(otterrors.KindUnknownAPI) {
			return nil, otterrors.E(otterrors.KindUnknownAPI, "sandbox.call", frame.Error)
		}
		return nil, fmt.Errorf("plugin %s.%s: %s", w.name, name, frame.Error)
	}
	return frame.Result, nil
}

// Shutdown asks the worker to exit, waiting up to the shutdown grace before
// killing it.
func (w *Worker) Shutdown() {
	w.setState(StateTerminating)
	_ = w.send(&Frame{Kind: FrameShutdown})
	select {
	case <-w.procDone:
	case <-time.After(w.opts.ShutdownGrace):
		w.Kill()
	}
}

// Kill force-terminates the worker process.
func (w *Worker) Kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Done is closed when the worker process has exited.
func (w *Worker) Done() <-chan struct{} { return w.procDone }

// ExitErr reports how the process ended, nil for a clean exit.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state != StateDead {
		w.state = s
	}
	w.mu.Unlock()
}

// roundTrip sends a frame and waits for the matching reply or worker death.
func (w *Worker) roundTrip(ctx context.Context, frame *Frame) (*Frame, error) {
	ch := make(chan *Frame, 1)
	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return nil, otterrors.SandboxCrashed(w.name, w.exitErr)
	}
	w.pending[frame.ID] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, frame.ID)
		w.mu.Unlock()
	}()

	if err := w.send(frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-w.procDone:
		return nil, otterrors.SandboxCrashed(w.name, w.ExitErr())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) send(frame *Frame) error {
	line, err := EncodeFrame(frame)
	if err != nil {
		return otterrors.NotSerializable("frame")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.stdin.Write(line); err != nil {
		return otterrors.SandboxCrashed(w.name, err)
	}
	return nil
}

// readFrames is the host-side reader loop. Replies complete pending round
// trips; host calls are dispatched through the API surface and answered in
// place, which is safe because a worker blocks on its host call before
// producing any other frame.
func (w *Worker) readFrames(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := DecodeFrame(line)
		if err != nil {
			w.opts.Logger.Warn("sandbox %s: dropping malformed frame: %v", w.name, err)
			continue
		}
		switch frame.Kind {
		case FrameLoaded, FrameResult, FrameError:
			w.mu.Lock()
			ch, ok := w.pending[frame.ID]
			w.mu.Unlock()
			if ok {
				ch <- frame
			}
		case FrameHostCall:
			w.handleHostCall(frame)
		case FrameLog:
			w.opts.Logger.Info("plugin %s: %s", w.name, frame.Message)
		default:
			w.opts.Logger.Warn("sandbox %s: unexpected frame kind %s", w.name, frame.Kind)
		}
	}
}

func (w *Worker) handleHostCall(frame *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.CallTimeout)
	defer cancel()

	args := frame.Args
	if w.opts.Redactor != nil {
		args = w.opts.Redactor.Payload(args)
	}
	result, err := w.api.Dispatch(ctx, frame.Namespace, frame.Method, args)

	reply := &Frame{Kind: FrameHostResp, ID: frame.ID}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrKind = string(otterrors.KindOf(err))
	} else {
		if m, ok := result.(map[string]any); ok && w.opts.Redactor != nil {
			result = w.opts.Redactor.Payload(m)
		}
		reply.Result = result
	}
	if err := w.send(reply); err != nil {
		w.opts.Logger.Warn("sandbox %s: host reply failed: %v", w.name, err)
	}
}

func (w *Worker) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			w.opts.Logger.Warn("sandbox %s stderr: %s", w.name, line)
		}
	}
}

func (w *Worker) monitor() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.state = StateDead
	w.exitErr = err
	w.mu.Unlock()
	close(w.procDone)
}
