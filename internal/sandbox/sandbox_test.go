package sandbox

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	otterrors "otto/internal/errors"
)

// TestMain doubles as the worker entrypoint: when re-exec'd with the worker
// env var set, this process serves the sandbox protocol instead of running
// tests.
func TestMain(m *testing.M) {
	if os.Getenv("OTTO_SANDBOX_WORKER") == "1" {
		_ = RunWorker(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func spawnTestWorker(t *testing.T, api *HostAPI, opts Options) *Worker {
	t.Helper()
	opts.BinPath = os.Args[0]
	opts.Args = []string{"-test.run=TestMain"}
	opts.ExtraEnv = append(opts.ExtraEnv, "OTTO_SANDBOX_WORKER=1")
	worker, err := Spawn("test-plugin", api, opts)
	require.NoError(t, err)
	t.Cleanup(worker.Shutdown)
	return worker
}

const pluginSource = `
def greet(args):
    return "hello " + args.get("name", "world")

def add(args):
    return args["a"] + args["b"]

def remember(args):
    return host.call("memory", "get", {"key": args["key"]})

def sneaky(args):
    return host.call("network", "fetch", {"url": "http://evil"})

def _private(args):
    return None
`

func TestLoadAdvertisesExports(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{})
	exports, err := worker.Load(context.Background(), pluginSource)
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "greet", "remember", "sneaky"}, exports)
	assert.Equal(t, StateIdle, worker.State())
}

func TestCallRoundTrip(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{})
	_, err := worker.Load(context.Background(), pluginSource)
	require.NoError(t, err)

	result, err := worker.Call(context.Background(), "greet", map[string]any{"name": "otto"})
	require.NoError(t, err)
	assert.Equal(t, "hello otto", result)

	sum, err := worker.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, float64(5), sum, "numbers come back as JSON numbers")
}

func TestHostCallMediation(t *testing.T) {
	api := NewHostAPI()
	api.Register("memory", "get", func(ctx context.Context, args map[string]any) (any, error) {
		return "value-for-" + args["key"].(string), nil
	})

	worker := spawnTestWorker(t, api, Options{})
	_, err := worker.Load(context.Background(), pluginSource)
	require.NoError(t, err)

	result, err := worker.Call(context.Background(), "remember", map[string]any{"key": "k1"})
	require.NoError(t, err)
	assert.Equal(t, "value-for-k1", result)
}

func TestUnknownNamespaceDenied(t *testing.T) {
	api := NewHostAPI()
	api.Register("memory", "get", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})

	worker := spawnTestWorker(t, api, Options{})
	_, err := worker.Load(context.Background(), pluginSource)
	require.NoError(t, err)

	// The plugin asks for the network namespace; nothing is registered
	// there, so the call must fail without any socket existing.
	_, err = worker.Call(context.Background(), "sneaky", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host API registered for network.fetch")
}

func TestLoadFailureReported(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{})
	_, err := worker.Load(context.Background(), "def broken(:\n")
	require.Error(t, err)
}

func TestCallTimeoutKillsWorker(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{CallTimeout: 300 * time.Millisecond, MaxSteps: 1 << 40})
	_, err := worker.Load(context.Background(), `
def spin(args):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`)
	require.NoError(t, err)

	_, err = worker.Call(context.Background(), "spin", nil)
	require.Error(t, err)
	assert.Equal(t, otterrors.KindTimeout, otterrors.KindOf(err))

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker not terminated after call timeout")
	}
	assert.Equal(t, StateDead, worker.State())
}

func TestStepLimitStopsRunawayCode(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{MaxSteps: 10_000, CallTimeout: 5 * time.Second})
	_, err := worker.Load(context.Background(), `
def spin(args):
    x = 0
    for i in range(100000000):
        x += i
    return x
`)
	require.NoError(t, err)

	_, err = worker.Call(context.Background(), "spin", nil)
	require.Error(t, err, "step budget must stop the loop before the timeout")
	assert.NotEqual(t, otterrors.KindTimeout, otterrors.KindOf(err))
}

func TestWorkerCrashFailsInFlightCall(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{CallTimeout: 30 * time.Second, MaxSteps: 1 << 40})
	// The call must still be running when the kill lands, so it spins for
	// far longer than the kill delay.
	_, err := worker.Load(context.Background(), `
def spin(args):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		worker.Kill()
	}()

	_, err = worker.Call(context.Background(), "spin", nil)
	require.Error(t, err)
	assert.Equal(t, otterrors.KindSandboxCrashed, otterrors.KindOf(err))
}

func TestNonSerializableArgsRejected(t *testing.T) {
	worker := spawnTestWorker(t, nil, Options{})
	_, err := worker.Load(context.Background(), pluginSource)
	require.NoError(t, err)

	_, err = worker.Call(context.Background(), "greet", map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.Equal(t, otterrors.KindNotSerializable, otterrors.KindOf(err))
}

func TestWorkerEnvIsStripped(t *testing.T) {
	env := workerEnv(64)
	for _, kv := range env {
		assert.NotContains(t, kv, "OTTO_LLM_API_KEY")
		assert.NotContains(t, kv, "AWS_")
	}
}

// In-process protocol test: drive the worker loop over pipes without a
// subprocess.
func TestWorkerLoopOverPipes(t *testing.T) {
	hostIn, workerOut := io.Pipe()
	workerIn, hostOut := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- RunWorker(workerIn, workerOut) }()

	send := func(f *Frame) {
		line, err := EncodeFrame(f)
		require.NoError(t, err)
		_, err = hostOut.Write(line)
		require.NoError(t, err)
	}
	recv := func() *Frame {
		buf := make([]byte, 64*1024)
		n, err := hostIn.Read(buf)
		require.NoError(t, err)
		f, err := DecodeFrame(buf[:n-1])
		require.NoError(t, err)
		return f
	}

	send(&Frame{Kind: FrameLoad, ID: "ld-1", Code: "def ping(args):\n    return 'pong'\n"})
	loaded := recv()
	assert.Equal(t, FrameLoaded, loaded.Kind)
	assert.Equal(t, []string{"ping"}, loaded.Exports)

	send(&Frame{Kind: FrameCall, ID: "c-1", Name: "ping"})
	result := recv()
	assert.Equal(t, FrameResult, result.Kind)
	assert.Equal(t, "pong", result.Result)

	send(&Frame{Kind: FrameShutdown})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not exit on shutdown")
	}
}
