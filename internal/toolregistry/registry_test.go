package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/guardrail"
	"otto/internal/ident"
)

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

func (r *eventRecorder) acts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Act
	}
	return out
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

// fakeApprovals decides every request with a scripted decision.
type fakeApprovals struct {
	decision domain.Decision
	requests []*domain.Approval
}

func (f *fakeApprovals) Request(approval *domain.Approval) (string, error) {
	approval.ID = ident.NewApprovalID()
	f.requests = append(f.requests, approval)
	return approval.ID, nil
}

func (f *fakeApprovals) WaitDecision(ctx context.Context, id string) (*domain.Approval, error) {
	return &domain.Approval{ID: id, Decision: f.decision, DecidedBy: "tester"}, nil
}

func echoTool() Tool {
	return Func{
		Def: Definition{
			Name:        "echo",
			Description: "returns its message argument",
			Schema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"message": map[string]any{"type": "string"}},
				"required":             []any{"message"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: args["message"].(string)}, nil
		},
	}
}

func TestRegisterAndList(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(Func{Def: Definition{Name: "sleep"}, Fn: nil}))

	require.Error(t, r.Register(echoTool()), "duplicate names rejected")

	defs := r.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Name, "catalogue sorted by name")
	assert.Equal(t, "sleep", defs[1].Name)
}

func TestInvokeEmitsStartAndFinish(t *testing.T) {
	events := &eventRecorder{}
	r := New(Options{Events: events})
	require.NoError(t, r.Register(echoTool()))

	result, err := r.Invoke(context.Background(), "echo",
		map[string]any{"message": "hello"}, Caller{Actor: "user", TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)

	acts := events.acts()
	assert.Contains(t, acts, domain.ActToolStart)
	assert.Contains(t, acts, domain.ActToolFinish)
}

func TestInvokeUnknownTool(t *testing.T) {
	r := New(Options{})
	_, err := r.Invoke(context.Background(), "nope", nil, Caller{})
	require.Error(t, err)
}

func TestSchemaValidationRejectsBadArgs(t *testing.T) {
	events := &eventRecorder{}
	r := New(Options{Events: events})
	require.NoError(t, r.Register(echoTool()))

	cases := []map[string]any{
		nil,                             // missing required field
		{"message": 42},                 // wrong type
		{"message": "ok", "extra": "x"}, // additionalProperties
	}
	for _, args := range cases {
		_, err := r.Invoke(context.Background(), "echo", args, Caller{})
		require.Error(t, err, "args %v", args)
		assert.Equal(t, otterrors.KindSchemaInvalid, otterrors.KindOf(err))
	}
	assert.NotNil(t, events.find(domain.ActToolError))
}

func TestGuardrailDenyFailsInvoke(t *testing.T) {
	guard := guardrail.New(guardrail.Config{DeniedPaths: []string{"/forbidden"}})
	r := New(Options{Guard: guard})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "file_read"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: "data"}, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "file_read",
		map[string]any{"path": "/forbidden/notes.txt"}, Caller{Actor: "user"})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindGuardrailDenied, otterrors.KindOf(err))
}

func TestRateLimitSurfacesAsRateLimited(t *testing.T) {
	guard := guardrail.New(guardrail.Config{PerToolPerMin: 1})
	r := New(Options{Guard: guard})
	require.NoError(t, r.Register(echoTool()))

	args := map[string]any{"message": "x"}
	_, err := r.Invoke(context.Background(), "echo", args, Caller{})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "echo", args, Caller{})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindRateLimited, otterrors.KindOf(err))
	meta := otterrors.Meta(err)
	require.NotNil(t, meta)
	assert.Greater(t, meta["retry_after_ms"], int64(0))
}

func TestGatedInvokeWithoutWaiterFailsFast(t *testing.T) {
	guard := guardrail.New(guardrail.Config{})
	approvals := &fakeApprovals{decision: domain.DecisionApproved}
	r := New(Options{Guard: guard, Approvals: approvals})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "shell"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: "ran"}, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "shell",
		map[string]any{"command": "rm -rf /tmp/scratch"}, Caller{Actor: "agent"})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindApprovalRequired, otterrors.KindOf(err))
	require.Len(t, approvals.requests, 1)
}

func TestGatedInvokeAwaitsApproval(t *testing.T) {
	guard := guardrail.New(guardrail.Config{})
	approvals := &fakeApprovals{decision: domain.DecisionApproved}
	r := New(Options{Guard: guard, Approvals: approvals})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "shell"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: "ran"}, nil
		},
	}))

	result, err := r.Invoke(context.Background(), "shell",
		map[string]any{"command": "rm -rf /tmp/scratch"},
		Caller{Actor: "agent", AwaitApproval: true})
	require.NoError(t, err)
	assert.Equal(t, "ran", result.Content)

	approvals.decision = domain.DecisionRejected
	_, err = r.Invoke(context.Background(), "shell",
		map[string]any{"command": "rm -rf /tmp/other"},
		Caller{Actor: "agent", AwaitApproval: true})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindGuardrailDenied, otterrors.KindOf(err))
}

func TestOutputCapTruncatesVisibly(t *testing.T) {
	r := New(Options{MaxOutputBytes: 16})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "big"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: strings.Repeat("a", 100)}, nil
		},
	}))

	result, err := r.Invoke(context.Background(), "big", nil, Caller{})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, int64(100), result.OriginalBytes)
	assert.True(t, strings.HasSuffix(result.Content, truncationSuffix))
	assert.Len(t, result.Content, 16+len(truncationSuffix))
}

func TestReadOnlyResultsCached(t *testing.T) {
	calls := 0
	r := New(Options{Cache: CacheOptions{Enabled: true}})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "lookup", ReadOnly: true},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			calls++
			return &Result{Content: fmt.Sprintf("call-%d", calls)}, nil
		},
	}))

	first, err := r.Invoke(context.Background(), "lookup", map[string]any{"q": "x"}, Caller{})
	require.NoError(t, err)
	second, err := r.Invoke(context.Background(), "lookup", map[string]any{"q": "x"}, Caller{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Content, second.Content)
	assert.True(t, second.Cached)

	// Different args miss the cache.
	_, err = r.Invoke(context.Background(), "lookup", map[string]any{"q": "y"}, Caller{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMutatingToolsNotCached(t *testing.T) {
	calls := 0
	r := New(Options{Cache: CacheOptions{Enabled: true}})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "write"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			calls++
			return &Result{}, nil
		},
	}))

	for i := 0; i < 3; i++ {
		_, err := r.Invoke(context.Background(), "write", map[string]any{"v": "x"}, Caller{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

type fakePluginCaller struct {
	fail    bool
	results map[string]any
}

func (f *fakePluginCaller) Call(ctx context.Context, export string, args map[string]any) (any, error) {
	if f.fail {
		return nil, fmt.Errorf("plugin exploded")
	}
	return f.results[export], nil
}

func TestPluginToolsDispatchThroughCaller(t *testing.T) {
	r := New(Options{})
	caller := &fakePluginCaller{results: map[string]any{"forecast": "sunny"}}
	require.NoError(t, r.RegisterPluginTools("weather", []domain.PluginToolDecl{
		{Name: "forecast", ReadOnly: true},
	}, caller))

	result, err := r.Invoke(context.Background(), "weather.forecast", nil, Caller{})
	require.NoError(t, err)
	assert.Equal(t, "sunny", result.Content)

	r.UnregisterPlugin("weather")
	_, err = r.Invoke(context.Background(), "weather.forecast", nil, Caller{})
	require.Error(t, err)
}

type fakeReverter struct {
	mu       sync.Mutex
	reverted []string
}

func (f *fakeReverter) RevertPlugin(ctx context.Context, name string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, name)
	return []byte("broken line\n"), []byte("good line\n"), nil
}

func TestErrorWindowTriggersRollback(t *testing.T) {
	events := &eventRecorder{}
	reverter := &fakeReverter{}
	r := New(Options{
		Events:         events,
		Reverter:       reverter,
		ErrorThreshold: 2,
		ErrorWindow:    time.Minute,
	})
	caller := &fakePluginCaller{fail: true}
	require.NoError(t, r.RegisterPluginTools("weather", []domain.PluginToolDecl{
		{Name: "forecast"},
	}, caller))

	for i := 0; i < 2; i++ {
		_, err := r.Invoke(context.Background(), "weather.forecast", nil, Caller{})
		require.Error(t, err)
	}

	require.Equal(t, []string{"weather"}, reverter.reverted)
	reverted := events.find(domain.ActToolReverted)
	require.NotNil(t, reverted)
	diff := reverted.Payload["diff"].(string)
	assert.Contains(t, diff, "-broken line")
	assert.Contains(t, diff, "+good line")
}

func TestLatencyRegressionDetected(t *testing.T) {
	events := &eventRecorder{}
	delay := time.Duration(0)
	r := New(Options{
		Events: events,
		Regression: RegressionOptions{
			BaselineSize:   3,
			WindowSize:     3,
			LatencyDeltaMS: 5,
		},
	})
	require.NoError(t, r.Register(Func{
		Def: Definition{Name: "flaky"},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			time.Sleep(delay)
			return &Result{}, nil
		},
	}))

	// Fast calls freeze the baseline, then slow calls fill the window.
	for i := 0; i < 3; i++ {
		_, err := r.Invoke(context.Background(), "flaky", nil, Caller{})
		require.NoError(t, err)
	}
	delay = 30 * time.Millisecond
	for i := 0; i < 3; i++ {
		_, err := r.Invoke(context.Background(), "flaky", nil, Caller{})
		require.NoError(t, err)
	}

	detected := events.find(domain.ActRegressionDetected)
	require.NotNil(t, detected)
	assert.Equal(t, "flaky", detected.Payload["tool"])

	snap, ok := r.Stats("flaky")
	require.True(t, ok)
	assert.Equal(t, int64(6), snap.Calls)
	assert.True(t, snap.BaselineFrozen)
}

func TestFailureWindowEvictsOldEntries(t *testing.T) {
	w := newFailureWindow(time.Minute)
	base := time.Now()
	assert.Equal(t, 1, w.add(base))
	assert.Equal(t, 2, w.add(base.Add(10*time.Second)))
	// Two minutes later both earlier failures have aged out.
	assert.Equal(t, 1, w.add(base.Add(2*time.Minute)))
}

func TestPluginResultShapes(t *testing.T) {
	assert.Equal(t, "", pluginResult(nil).Content)
	assert.Equal(t, "plain", pluginResult("plain").Content)
	assert.Equal(t, "body", pluginResult(map[string]any{"content": "body"}).Content)
	assert.Equal(t, `[1,2]`, pluginResult([]any{1, 2}).Content)
}
