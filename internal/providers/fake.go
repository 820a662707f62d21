package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/lacehq/lace/pkg/models"
)

// FakeProvider is a scriptable in-memory Provider for tests. Each call
// consumes the next scripted step in order.
type FakeProvider struct {
	ProviderName string
	Model        string

	mu    sync.Mutex
	steps []FakeStep
	calls []FakeCall

	systemPrompt string
}

// FakeStep scripts one request outcome.
type FakeStep struct {
	// Tokens are streamed into the sink before the result, when one is
	// provided.
	Tokens []string
	// Response is returned when Err is nil.
	Response *Response
	// Err fails the request. Tokens are still streamed first, which lets
	// tests exercise the first-token retry cutoff.
	Err error
}

// FakeCall records what the provider was asked.
type FakeCall struct {
	Messages  []Message
	Tools     []ToolDefinition
	Streaming bool
}

// NewFakeProvider scripts a provider that answers the given steps in order.
func NewFakeProvider(steps ...FakeStep) *FakeProvider {
	return &FakeProvider{ProviderName: "fake", Model: "fake-model", steps: steps}
}

// TextStep scripts a plain text answer with usage attached.
func TextStep(text string, promptTokens, completionTokens int) FakeStep {
	return FakeStep{Response: &Response{
		Content: text,
		Usage: &models.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		StopReason: "end_turn",
	}}
}

// ToolCallStep scripts an answer that requests the given tool calls.
func ToolCallStep(content string, calls ...models.ToolCall) FakeStep {
	return FakeStep{Response: &Response{
		Content:    content,
		ToolCalls:  calls,
		StopReason: "tool_use",
	}}
}

// Append adds more scripted steps.
func (f *FakeProvider) Append(steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// Calls returns everything the provider was asked so far.
func (f *FakeProvider) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// SystemPrompt returns the last installed system prompt.
func (f *FakeProvider) SystemPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.systemPrompt
}

func (f *FakeProvider) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeProvider) DefaultModel() string {
	if f.Model == "" {
		return "fake-model"
	}
	return f.Model
}

func (f *FakeProvider) SupportsStreaming() bool { return true }

func (f *FakeProvider) SetSystemPrompt(prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemPrompt = prompt
}

func (f *FakeProvider) CountTokens(messages []Message, tools []ToolDefinition) int {
	return -1
}

func (f *FakeProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	return f.next(ctx, messages, tools, nil, false)
}

func (f *FakeProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDefinition, sink TokenSink) (*Response, error) {
	return f.next(ctx, messages, tools, sink, true)
}

func (f *FakeProvider) next(ctx context.Context, messages []Message, tools []ToolDefinition, sink TokenSink, streaming bool) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{
		Messages:  append([]Message(nil), messages...),
		Tools:     append([]ToolDefinition(nil), tools...),
		Streaming: streaming,
	})
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, errors.New("fake provider: no scripted steps left")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()

	if sink != nil {
		for _, token := range step.Tokens {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sink(token)
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response == nil {
		return &Response{}, nil
	}
	resp := *step.Response
	return &resp, nil
}
