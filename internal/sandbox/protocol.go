// Package sandbox runs untrusted plugin code in an isolated subprocess. The
// host re-execs its own binary as a worker, strips the environment, applies a
// memory ceiling and talks to the child over newline-delimited JSON frames
// on stdin/stdout. Plugin code is Starlark: the interpreter has no
// filesystem, network or process primitives, so the mediated host API is the
// only capability a plugin ever holds.
package sandbox

import (
	"encoding/json"
	"fmt"
)

// FrameKind discriminates messages on the worker link.
type FrameKind string

const (
	// host -> worker
	FrameLoad     FrameKind = "load"
	FrameCall     FrameKind = "call"
	FrameHostResp FrameKind = "host_result"
	FrameShutdown FrameKind = "shutdown"

	// worker -> host
	FrameLoaded   FrameKind = "loaded"
	FrameResult   FrameKind = "result"
	FrameError    FrameKind = "error"
	FrameHostCall FrameKind = "host_call"
	FrameLog      FrameKind = "log"
)

// Frame is one message on the link. Correlation ids are always assigned by
// the host; a worker-minted id is never trusted.
type Frame struct {
	Kind FrameKind `json:"kind"`
	ID   string    `json:"id,omitempty"`

	// load
	Code     string `json:"code,omitempty"`
	MaxSteps int64  `json:"max_steps,omitempty"`

	// loaded
	Exports []string `json:"exports,omitempty"`

	// call / result
	Name   string         `json:"name,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`

	// host_call
	Namespace string `json:"namespace,omitempty"`
	Method    string `json:"method,omitempty"`

	// error / log
	Error   string `json:"error,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// EncodeFrame serializes a frame to one newline-terminated line. Values that
// do not survive JSON encoding are rejected at the boundary.
func EncodeFrame(f *Frame) ([]byte, error) {
	line, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame not serializable: %w", err)
	}
	return append(line, '\n'), nil
}

// DecodeFrame parses one line into a frame.
func DecodeFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Kind == "" {
		return nil, fmt.Errorf("frame missing kind")
	}
	return &f, nil
}

// CheckSerializable verifies a value is representable on the link:
// primitives, lists and maps of primitives. It round-trips through JSON and
// rejects anything lossy (functions, channels, cycles).
func CheckSerializable(v any) error {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Errorf("value not serializable: %w", err)
	}
	return nil
}
