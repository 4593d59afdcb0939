package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	otterrors "otto/internal/errors"
)

// RunWorker is the child-side main loop, entered from the hidden
// sandbox-worker subcommand. It applies the memory ceiling, then serves
// frames until stdin closes or a shutdown frame arrives.
//
// Plugin contract: the code is a Starlark module. Every top-level def whose
// name does not start with "_" is exported; each export receives a single
// dict argument. The predeclared "host" module provides call(namespace,
// method, args) and log(message) as the only capabilities.
func RunWorker(stdin io.Reader, stdout io.Writer) error {
	if raw, ok := os.LookupEnv("OTTO_SANDBOX_MEMORY_MIB"); ok {
		if mib, err := strconv.Atoi(raw); err == nil && mib > 0 {
			debug.SetMemoryLimit(int64(mib) << 20)
		}
	}

	w := &workerMain{
		scanner: bufio.NewScanner(stdin),
		out:     stdout,
	}
	w.scanner.Buffer(make([]byte, 64*1024), 8<<20)
	return w.serve()
}

type workerMain struct {
	scanner *bufio.Scanner
	out     io.Writer

	globals  starlark.StringDict
	maxSteps int64

	// currentID is the host-assigned id of the in-flight call; host.call
	// frames reuse it so the host can correlate without trusting worker ids.
	currentID string
}

func (w *workerMain) serve() error {
	for w.scanner.Scan() {
		line := w.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := DecodeFrame(line)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case FrameLoad:
			w.handleLoad(frame)
		case FrameCall:
			w.handleCall(frame)
		case FrameShutdown:
			return nil
		}
	}
	return w.scanner.Err()
}

func (w *workerMain) reply(frame *Frame) {
	line, err := EncodeFrame(frame)
	if err != nil {
		line, _ = EncodeFrame(&Frame{
			Kind:    FrameError,
			ID:      frame.ID,
			Error:   "result not serializable",
			ErrKind: string(otterrors.KindNotSerializable),
		})
	}
	_, _ = w.out.Write(line)
}

func (w *workerMain) handleLoad(frame *Frame) {
	w.maxSteps = frame.MaxSteps

	thread := w.newThread()
	predeclared := starlark.StringDict{"host": w.hostModule()}
	globals, err := starlark.ExecFile(thread, "plugin.star", frame.Code, predeclared)
	if err != nil {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: err.Error()})
		return
	}
	w.globals = globals

	var exports []string
	for name, value := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := value.(*starlark.Function); ok {
			exports = append(exports, name)
		}
	}
	sort.Strings(exports)
	w.reply(&Frame{Kind: FrameLoaded, ID: frame.ID, Exports: exports})
}

func (w *workerMain) handleCall(frame *Frame) {
	if w.globals == nil {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: "no plugin loaded"})
		return
	}
	value, ok := w.globals[frame.Name]
	if !ok {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: fmt.Sprintf("no export named %q", frame.Name)})
		return
	}
	fn, ok := value.(*starlark.Function)
	if !ok {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: fmt.Sprintf("%q is not callable", frame.Name)})
		return
	}

	args := frame.Args
	if args == nil {
		args = map[string]any{}
	}
	dict, err := toStarlark(args)
	if err != nil {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: err.Error(), ErrKind: string(otterrors.KindNotSerializable)})
		return
	}

	w.currentID = frame.ID
	defer func() { w.currentID = "" }()

	thread := w.newThread()
	result, err := starlark.Call(thread, fn, starlark.Tuple{dict}, nil)
	if err != nil {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: err.Error()})
		return
	}
	converted, err := fromStarlark(result)
	if err != nil {
		w.reply(&Frame{Kind: FrameError, ID: frame.ID, Error: err.Error(), ErrKind: string(otterrors.KindNotSerializable)})
		return
	}
	w.reply(&Frame{Kind: FrameResult, ID: frame.ID, Result: converted})
}

func (w *workerMain) newThread() *starlark.Thread {
	thread := &starlark.Thread{Name: "plugin"}
	if w.maxSteps > 0 {
		thread.SetMaxExecutionSteps(uint64(w.maxSteps))
	}
	return thread
}

// hostModule builds the predeclared "host" namespace. These builtins are the
// complete capability set of a plugin.
func (w *workerMain) hostModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "host",
		Members: starlark.StringDict{
			"call": starlark.NewBuiltin("host.call", w.builtinHostCall),
			"log":  starlark.NewBuiltin("host.log", w.builtinHostLog),
		},
	}
}

func (w *workerMain) builtinHostCall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var namespace, method string
	var callArgs *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"namespace", &namespace, "method", &method, "args?", &callArgs); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if callArgs != nil {
		converted, err := fromStarlark(callArgs)
		if err != nil {
			return nil, err
		}
		payload = converted.(map[string]any)
	}

	w.reply(&Frame{
		Kind:      FrameHostCall,
		ID:        w.currentID,
		Namespace: namespace,
		Method:    method,
		Args:      payload,
	})

	// The host answers before sending anything else, so the next host_result
	// frame with our id is the reply. Load/call frames cannot arrive here:
	// the host serializes calls per worker.
	for w.scanner.Scan() {
		line := w.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := DecodeFrame(line)
		if err != nil {
			continue
		}
		if frame.Kind == FrameShutdown {
			os.Exit(0)
		}
		if frame.Kind != FrameHostResp || frame.ID != w.currentID {
			continue
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("%s", frame.Error)
		}
		return toStarlark(frame.Result)
	}
	return nil, fmt.Errorf("host link closed")
}

func (w *workerMain) builtinHostLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &message); err != nil {
		return nil, err
	}
	w.reply(&Frame{Kind: FrameLog, Message: message})
	return starlark.None, nil
}
