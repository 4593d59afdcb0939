package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := RateLimited("agent:web_fetch", 1500*time.Millisecond)
	wrapped := fmt.Errorf("invoke failed: %w", base)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, HasKind(wrapped, KindRateLimited))
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
}

func TestMetaCarriesKindFields(t *testing.T) {
	err := GuardrailDenied("destructive_command", "shell", "matches rm -rf")
	meta := Meta(err)
	require.NotNil(t, meta)
	assert.Equal(t, "destructive_command", meta["rule"])
	assert.Equal(t, "shell", meta["action"])
}

func TestTransientClassificationByKind(t *testing.T) {
	assert.True(t, IsTransient(WorkerCrashed("w1", "task-1", nil)))
	assert.True(t, IsTransient(SandboxCrashed("greeter", stderrors.New("exit 137"))))
	assert.True(t, IsTransient(OperationTimeout("tool_call", 5*time.Second)))
	assert.True(t, IsTransient(StorageUnavailable("append", stderrors.New("disk full"))))

	assert.False(t, IsTransient(GuardrailDenied("r", "a", "no")))
	assert.False(t, IsTransient(SchemaInvalid("echo", []string{"text: required"})))
	assert.False(t, IsTransient(RateLimited("k", time.Second)))
	assert.False(t, IsTransient(NotApproved("greeter", "1.0.0")))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := SignatureMismatch("greeter")
	target := &Error{Kind: KindSignatureMismatch}
	assert.True(t, stderrors.Is(err, target))

	other := &Error{Kind: KindNotApproved}
	assert.False(t, stderrors.Is(err, other))
}

func TestRetryStopsOnPermanentKind(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	_, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, GuardrailDenied("r", "a", "denied")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.Equal(t, KindGuardrailDenied, KindOf(err))
}

func TestRetryRecoversFromTransientKind(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, OperationTimeout("llm_request", time.Second)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}
