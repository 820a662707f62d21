// Package providers defines the uniform request/response and streaming
// contract over model backends, plus retry with exponential backoff.
package providers

import (
	"context"
	"encoding/json"

	"github.com/lacehq/lace/pkg/models"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the provider-facing conversation. System messages
// are routed through the provider's system channel where one exists and
// stripped from the list.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Response is the provider's final answer for one request.
type Response struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      *models.Usage
	StopReason string
}

// TokenSink receives streaming token fragments as they arrive.
type TokenSink func(token string)

// Provider is the uniform contract over model backends. Implementations
// must honor context cancellation on every call; a cancelled call fails
// with a cancellation error, never a transient one.
type Provider interface {
	// Name identifies the backend ("anthropic", "openai").
	Name() string

	// DefaultModel is the model used when the request does not pick one.
	DefaultModel() string

	// SupportsStreaming reports whether CreateStreamingResponse streams.
	SupportsStreaming() bool

	// SetSystemPrompt installs the system prompt for subsequent requests.
	SetSystemPrompt(prompt string)

	// CountTokens estimates the token cost of a request, or returns -1
	// when the backend offers no counting.
	CountTokens(messages []Message, tools []ToolDefinition) int

	// CreateResponse performs a blocking completion.
	CreateResponse(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)

	// CreateStreamingResponse streams token fragments into sink and
	// returns the assembled response on completion. A nil sink degrades
	// to CreateResponse behavior.
	CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDefinition, sink TokenSink) (*Response, error)
}

// SplitSystem separates system messages from the rest, concatenating their
// content in order. Providers with a native system channel use this before
// building the wire request.
func SplitSystem(messages []Message) (system string, rest []Message) {
	rest = make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
