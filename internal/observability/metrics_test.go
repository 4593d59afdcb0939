package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilCollectorRecordsNothing(t *testing.T) {
	var m *MetricsCollector
	ctx := context.Background()

	m.RecordLLMRequest(ctx, "test-model", "ok", time.Second, 10, 20)
	m.RecordToolExecution(ctx, "echo", "ok", time.Millisecond)
	m.TaskStarted(ctx)
	m.TaskFinished(ctx)
	m.RecordPoolDepth(ctx, 3, 1)
	m.RecordSandboxRestart(ctx, "notes")
	require.NoError(t, m.Shutdown(ctx))
}

func TestDisabledCollectorRecordsNothing(t *testing.T) {
	m, err := NewMetricsCollector(MetricsConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordLLMRequest(ctx, "test-model", "ok", time.Second, 10, 20)
	m.RecordToolExecution(ctx, "echo", "ok", time.Millisecond)
	m.TaskStarted(ctx)
	m.TaskFinished(ctx)
	m.RecordPoolDepth(ctx, 0, 0)
	m.RecordSandboxRestart(ctx, "notes")
	require.NoError(t, m.Shutdown(ctx))
}
