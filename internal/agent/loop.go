// Package agent executes one task at a time: a react loop that drives the
// chat model, dispatches its tool calls through the registry, and returns
// the final answer. One Loop instance is shared by all pool workers; it
// holds no per-task state.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/llm"
	"otto/internal/logging"
	"otto/internal/toolregistry"
)

const systemPrompt = `You are an autonomous task executor. Work on the task you are given
using the available tools. Think in small steps, verify results, and when
the task is done reply with a plain-text summary of what you did and found.
Do not call tools after the task is complete.`

// LearningSource supplies relevant prior observations for prompt injection.
type LearningSource interface {
	Relevant(tags []string) []*domain.Learning
}

// Options bounds the loop.
type Options struct {
	MaxIterations       int
	ContextBudgetTokens int
	Learnings           LearningSource
	Logger              logging.Logger
}

func (o *Options) fill() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.ContextBudgetTokens <= 0 {
		o.ContextBudgetTokens = 32_000
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Loop is the per-task executor the pool workers share.
type Loop struct {
	client llm.Client
	tools  *toolregistry.Registry
	opts   Options

	counter *tokenCounter
}

// New builds a loop over the given model client and tool registry.
func New(client llm.Client, tools *toolregistry.Registry, opts Options) *Loop {
	opts.fill()
	return &Loop{
		client:  client,
		tools:   tools,
		opts:    opts,
		counter: newTokenCounter(),
	}
}

// ExecuteTask runs the react loop for one task. The returned string is the
// model's final answer; errors carry the failing step's typed kind.
func (l *Loop) ExecuteTask(ctx context.Context, task *domain.Task, workerID string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: l.systemMessage(task)},
		{Role: "user", Content: task.Description},
	}
	tools := l.toolDeclarations()
	caller := toolregistry.Caller{
		Actor:         "agent:" + workerID,
		TaskID:        task.ID,
		TraceID:       task.TraceID,
		ConvID:        task.GoalID,
		AwaitApproval: true,
	}

	for iteration := 0; iteration < l.opts.MaxIterations; iteration++ {
		messages = l.trimToBudget(messages)

		resp, err := l.client.Chat(ctx, &llm.ChatRequest{
			Model:    l.client.Model(),
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return "", err
		}
		reply := resp.First()

		if len(reply.ToolCalls) == 0 {
			if strings.TrimSpace(reply.Content) == "" {
				return "", fmt.Errorf("model returned an empty reply for task %s", task.ID)
			}
			return reply.Content, nil
		}

		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			messages = append(messages, l.runToolCall(ctx, call, caller))
		}
	}
	return "", otterrors.OperationTimeout(
		fmt.Sprintf("task %s agent loop (%d iterations)", task.ID, l.opts.MaxIterations), 0)
}

// runToolCall dispatches one model-requested tool call and renders its
// outcome as the tool message the model sees next. Tool failures are shown
// to the model rather than aborting the task; the model decides whether to
// retry, work around, or give up.
func (l *Loop) runToolCall(ctx context.Context, call llm.ToolCall, caller toolregistry.Caller) llm.Message {
	message := llm.Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}

	args, err := llm.DecodeArguments(call)
	if err != nil {
		message.Content = fmt.Sprintf("error: tool arguments are not valid JSON: %v", err)
		return message
	}

	result, err := l.tools.Invoke(ctx, call.Function.Name, args, caller)
	if err != nil {
		l.opts.Logger.Warn("task %s: tool %s failed: %v", caller.TaskID, call.Function.Name, err)
		message.Content = "error: " + err.Error()
		return message
	}

	message.Content = result.Content
	if result.Truncated {
		message.Content += fmt.Sprintf("\n(%d bytes before truncation)", result.OriginalBytes)
	}
	return message
}

// systemMessage appends the injected learnings to the base prompt.
func (l *Loop) systemMessage(task *domain.Task) string {
	if l.opts.Learnings == nil {
		return systemPrompt
	}
	learnings := l.opts.Learnings.Relevant(task.Tags)
	if len(learnings) == 0 {
		return systemPrompt
	}

	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nRelevant observations from earlier work:\n")
	for _, learning := range learnings {
		fmt.Fprintf(&b, "- [%.2f] %s: %s\n", learning.Confidence, learning.Context, learning.Observation)
	}
	return b.String()
}

func (l *Loop) toolDeclarations() []llm.Tool {
	defs := l.tools.List()
	tools := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return tools
}

// trimToBudget drops the oldest tool exchanges until the conversation fits
// the token budget. The system prompt and the task message always survive.
func (l *Loop) trimToBudget(messages []llm.Message) []llm.Message {
	for len(messages) > 3 && l.countTokens(messages) > l.opts.ContextBudgetTokens {
		// Index 0 is the system prompt, 1 the task. The oldest exchange is
		// an assistant turn plus its tool replies; drop it whole so no
		// orphan tool message remains.
		end := 3
		for end < len(messages) && messages[end].Role == "tool" {
			end++
		}
		messages = append(messages[:2], messages[end:]...)
	}
	return messages
}

func (l *Loop) countTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += l.counter.count(m.Content)
		for _, call := range m.ToolCalls {
			total += l.counter.count(call.Function.Arguments)
		}
	}
	return total
}

// tokenCounter wraps the BPE encoder, falling back to a bytes/4 estimate
// when the encoding tables are unavailable (offline test runs).
type tokenCounter struct {
	encoder *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{encoder: encoder}
}

func (c *tokenCounter) count(text string) int {
	if c.encoder == nil {
		return len(text) / 4
	}
	return len(c.encoder.Encode(text, nil, nil))
}
