package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	"otto/internal/llm"
	"otto/internal/toolregistry"
	"otto/internal/tools/builtin"
)

func testRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	registry := toolregistry.New(toolregistry.Options{})
	require.NoError(t, builtin.RegisterAll(registry, builtin.Config{WorkDir: t.TempDir()}))
	return registry
}

func testTask(description string) *domain.Task {
	return &domain.Task{
		ID:          "t1",
		Description: description,
		Priority:    domain.PriorityMedium,
		Status:      domain.StatusActive,
		Tags:        []string{"test"},
	}
}

func TestDirectAnswerWithoutTools(t *testing.T) {
	client := llm.NewMockClient("mock", func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return llm.TextResponse("mock", "the answer is 4"), nil
	})
	loop := New(client, testRegistry(t), Options{})

	output, err := loop.ExecuteTask(context.Background(), testTask("what is 2+2"), "w0")
	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", output)
}

func TestToolCallRoundTrip(t *testing.T) {
	client := llm.NewMockClient("mock",
		func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return llm.ToolCallResponse("mock", "call-1", "echo", `{"message":"hello"}`), nil
		},
		func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			// The tool result must be visible on the second turn.
			last := req.Messages[len(req.Messages)-1]
			if last.Role != "tool" || last.Content != "hello" {
				return llm.TextResponse("mock", "tool result missing"), nil
			}
			return llm.TextResponse("mock", "echoed successfully"), nil
		},
	)
	loop := New(client, testRegistry(t), Options{})

	output, err := loop.ExecuteTask(context.Background(), testTask("echo hello"), "w0")
	require.NoError(t, err)
	assert.Equal(t, "echoed successfully", output)
}

func TestToolErrorShownToModel(t *testing.T) {
	client := llm.NewMockClient("mock",
		func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			// Bad arguments: echo requires a message string.
			return llm.ToolCallResponse("mock", "call-1", "echo", `{"message":7}`), nil
		},
		func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role == "tool" && len(last.Content) > 0 && last.Content[:6] == "error:" {
				return llm.TextResponse("mock", "recovered"), nil
			}
			return llm.TextResponse("mock", "no error surfaced"), nil
		},
	)
	loop := New(client, testRegistry(t), Options{})

	output, err := loop.ExecuteTask(context.Background(), testTask("echo something"), "w0")
	require.NoError(t, err)
	assert.Equal(t, "recovered", output)
}

func TestIterationLimit(t *testing.T) {
	client := llm.NewMockClient("mock")
	client.Enqueue(func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return llm.ToolCallResponse("mock", "c", "echo", `{"message":"x"}`), nil
	})
	// Every turn asks for another tool call.
	for i := 0; i < 10; i++ {
		client.Enqueue(func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return llm.ToolCallResponse("mock", "c", "echo", `{"message":"x"}`), nil
		})
	}
	loop := New(client, testRegistry(t), Options{MaxIterations: 3})

	_, err := loop.ExecuteTask(context.Background(), testTask("loop forever"), "w0")
	require.Error(t, err)
}

type staticLearnings struct{ items []*domain.Learning }

func (s staticLearnings) Relevant(tags []string) []*domain.Learning { return s.items }

func TestLearningsInjectedIntoSystemPrompt(t *testing.T) {
	client := llm.NewMockClient("mock", func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return llm.TextResponse("mock", "ok"), nil
	})
	loop := New(client, testRegistry(t), Options{
		Learnings: staticLearnings{items: []*domain.Learning{{
			Context:     "deploys",
			Observation: "always run migrations first",
			Confidence:  0.9,
		}}},
	})

	_, err := loop.ExecuteTask(context.Background(), testTask("deploy the service"), "w0")
	require.NoError(t, err)

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Messages[0].Content, "always run migrations first")
}

func TestTrimDropsOldestExchangeWhole(t *testing.T) {
	loop := New(llm.NewMockClient("mock"), testRegistry(t), Options{ContextBudgetTokens: 1})

	messages := []llm.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "task"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "a"}}},
		{Role: "tool", ToolCallID: "a", Content: "result a"},
		{Role: "assistant", Content: "final thought"},
	}
	trimmed := loop.trimToBudget(messages)

	require.Len(t, trimmed, 3)
	assert.Equal(t, "system", trimmed[0].Role)
	assert.Equal(t, "user", trimmed[1].Role)
	assert.Equal(t, "final thought", trimmed[2].Content)
}
