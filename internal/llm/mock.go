package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponder produces a canned response for a request. Returning an error
// simulates a failing endpoint.
type MockResponder func(req *ChatRequest) (*ChatResponse, error)

// MockClient is a scriptable stand-in for the chat endpoint. With no script
// it answers every request with a plain completion, which keeps the daemon
// usable offline and makes agent tests deterministic.
type MockClient struct {
	model string

	mu       sync.Mutex
	script   []MockResponder
	requests []*ChatRequest
}

// NewMockClient builds a mock with an optional scripted sequence. Responders
// are consumed in order; after the script runs out, the default reply is
// used.
func NewMockClient(model string, script ...MockResponder) *MockClient {
	if model == "" {
		model = "mock"
	}
	return &MockClient{model: model, script: script}
}

func (m *MockClient) Model() string { return m.model }

// Requests returns every request seen so far, for test assertions.
func (m *MockClient) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ChatRequest(nil), m.requests...)
}

// Enqueue appends responders to the script.
func (m *MockClient) Enqueue(responders ...MockResponder) {
	m.mu.Lock()
	m.script = append(m.script, responders...)
	m.mu.Unlock()
}

func (m *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var responder MockResponder
	if len(m.script) > 0 {
		responder = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if responder != nil {
		return responder(req)
	}
	return TextResponse(m.model, "mock completion: no actual model was called"), nil
}

// TextResponse builds a plain assistant message response.
func TextResponse(model, content string) *ChatResponse {
	return &ChatResponse{
		ID:    "mock-response",
		Model: model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// ToolCallResponse builds a response requesting one tool call.
func ToolCallResponse(model, callID, tool, arguments string) *ChatResponse {
	return &ChatResponse{
		ID:    "mock-response",
		Model: model,
		Choices: []Choice{{
			Message: Message{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:       callID,
					Type:     "function",
					Function: FunctionCall{Name: tool, Arguments: arguments},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}
