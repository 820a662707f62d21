package models

import (
	"encoding/json"
	"strings"
)

// ToolCall is a tool invocation requested by the model. A tool call is
// created when a provider response contains one and is resolved only by the
// ToolResult carrying the same ID.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Input is the raw JSON arguments, validated against the tool's schema
	// before execution.
	Input json.RawMessage `json:"arguments"`
}

// ContentBlock is one element of a tool result's content. Only text blocks
// are produced by the core; the type field leaves room for richer media.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolResult is the outcome of executing a tool call. Errors are communicated
// with IsError=true rather than Go errors so the provider sees the failure.
type ToolResult struct {
	// ID equals the originating ToolCall.ID.
	ID string `json:"id"`

	// Content holds the tool output blocks.
	Content []ContentBlock `json:"content"`

	// IsError marks the result as a failure.
	IsError bool `json:"isError,omitempty"`

	// Metadata carries auxiliary data such as the child thread id of a
	// delegated task (key "threadId").
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the concatenated text of all text blocks.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// TextResult builds a successful single-block text result for a call.
func TextResult(callID, text string) ToolResult {
	return ToolResult{ID: callID, Content: []ContentBlock{TextBlock(text)}}
}

// ErrorResult builds an error result for a call.
func ErrorResult(callID, message string) ToolResult {
	return ToolResult{
		ID:      callID,
		Content: []ContentBlock{TextBlock(message)},
		IsError: true,
	}
}

// ToolAnnotations describe behavioral hints used by the approval policy and
// by capability filters. All hints are advisory except SafeInternal, which
// bypasses approval unconditionally.
type ToolAnnotations struct {
	// ReadOnlyHint marks tools that do not mutate their environment.
	ReadOnlyHint bool `json:"readOnlyHint,omitempty"`

	// DestructiveHint marks tools whose effects are hard to reverse.
	DestructiveHint bool `json:"destructiveHint,omitempty"`

	// IdempotentHint marks tools safe to re-run with the same arguments.
	IdempotentHint bool `json:"idempotentHint,omitempty"`

	// OpenWorldHint marks tools that reach outside the workspace
	// (network, external services).
	OpenWorldHint bool `json:"openWorldHint,omitempty"`

	// SafeInternal marks host-internal tools that never require approval.
	SafeInternal bool `json:"safeInternal,omitempty"`
}
