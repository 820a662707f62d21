// Package models defines the shared data types of the Lace conversation core:
// thread events, tool calls and results, agent lifecycle events, and token
// usage accounting. These types are the wire format between the event store,
// the agent runtime, tool execution, and observers such as UIs.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload carried by a ThreadEvent.
type EventType string

const (
	// EventUserMessage carries text the user sent to the agent.
	EventUserMessage EventType = "USER_MESSAGE"

	// EventAgentMessage carries text the model produced.
	EventAgentMessage EventType = "AGENT_MESSAGE"

	// EventToolCall records a tool invocation requested by the model.
	EventToolCall EventType = "TOOL_CALL"

	// EventToolResult records the outcome of a tool invocation. Its payload
	// ID equals the originating TOOL_CALL id.
	EventToolResult EventType = "TOOL_RESULT"

	// EventLocalSystemMessage carries host-generated text shown to the user
	// but never sent to the provider.
	EventLocalSystemMessage EventType = "LOCAL_SYSTEM_MESSAGE"

	// EventSystemPrompt records the system prompt active for the thread.
	// At most one appears, as one of the first events of a thread.
	EventSystemPrompt EventType = "SYSTEM_PROMPT"

	// EventUserSystemPrompt records the user's custom instructions.
	// At most one appears, as one of the first events of a thread.
	EventUserSystemPrompt EventType = "USER_SYSTEM_PROMPT"

	// EventCompaction logically replaces a prefix of the thread with a
	// synthetic summary for context building. The replaced events remain
	// in storage.
	EventCompaction EventType = "COMPACTION"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventToolCall, EventToolResult,
		EventLocalSystemMessage, EventSystemPrompt, EventUserSystemPrompt,
		EventCompaction:
		return true
	default:
		return false
	}
}

// ThreadEvent is the immutable unit of conversation state. Events are
// append-only: once stored they are never mutated or deleted, and within a
// thread their order is the single source of truth for replay.
type ThreadEvent struct {
	// ID is globally unique.
	ID string `json:"id"`

	// ThreadID identifies the owning thread.
	ThreadID string `json:"threadId"`

	// Type discriminates the Data payload.
	Type EventType `json:"type"`

	// Timestamp is monotonic per thread (wall time, never decreasing).
	Timestamp time.Time `json:"timestamp"`

	// Data is the type-discriminated payload. Use the typed accessors
	// (MessageText, ToolCall, ToolResult, Compaction) to decode it.
	Data json.RawMessage `json:"data"`
}

// MessageData is the payload of USER_MESSAGE, AGENT_MESSAGE,
// LOCAL_SYSTEM_MESSAGE, SYSTEM_PROMPT and USER_SYSTEM_PROMPT events.
type MessageData struct {
	Text string `json:"text"`
}

// CompactionData is the payload of a COMPACTION event. It replaces the
// preceding OriginalEventCount events with CompactedEvents when building
// provider context.
type CompactionData struct {
	OriginalEventCount int           `json:"originalEventCount"`
	CompactedEvents    []ThreadEvent `json:"compactedEvents"`
}

// MessageText decodes the payload of a message-bearing event.
func (e *ThreadEvent) MessageText() (string, error) {
	switch e.Type {
	case EventUserMessage, EventAgentMessage, EventLocalSystemMessage,
		EventSystemPrompt, EventUserSystemPrompt:
	default:
		return "", fmt.Errorf("event %s has no message payload", e.Type)
	}
	var data MessageData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return data.Text, nil
}

// ToolCall decodes the payload of a TOOL_CALL event.
func (e *ThreadEvent) ToolCall() (*ToolCall, error) {
	if e.Type != EventToolCall {
		return nil, fmt.Errorf("event %s is not a tool call", e.Type)
	}
	var call ToolCall
	if err := json.Unmarshal(e.Data, &call); err != nil {
		return nil, fmt.Errorf("decode TOOL_CALL payload: %w", err)
	}
	return &call, nil
}

// ToolResult decodes the payload of a TOOL_RESULT event.
func (e *ThreadEvent) ToolResult() (*ToolResult, error) {
	if e.Type != EventToolResult {
		return nil, fmt.Errorf("event %s is not a tool result", e.Type)
	}
	var result ToolResult
	if err := json.Unmarshal(e.Data, &result); err != nil {
		return nil, fmt.Errorf("decode TOOL_RESULT payload: %w", err)
	}
	return &result, nil
}

// Compaction decodes the payload of a COMPACTION event.
func (e *ThreadEvent) Compaction() (*CompactionData, error) {
	if e.Type != EventCompaction {
		return nil, fmt.Errorf("event %s is not a compaction", e.Type)
	}
	var data CompactionData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("decode COMPACTION payload: %w", err)
	}
	return &data, nil
}

// MarshalMessageData encodes a message payload for appending.
func MarshalMessageData(text string) json.RawMessage {
	data, _ := json.Marshal(MessageData{Text: text})
	return data
}

// MarshalToolCallData encodes a tool call payload for appending.
func MarshalToolCallData(call ToolCall) json.RawMessage {
	data, _ := json.Marshal(call)
	return data
}

// MarshalToolResultData encodes a tool result payload for appending.
func MarshalToolResultData(result ToolResult) json.RawMessage {
	data, _ := json.Marshal(result)
	return data
}

// MarshalCompactionData encodes a compaction payload for appending.
func MarshalCompactionData(data CompactionData) json.RawMessage {
	raw, _ := json.Marshal(data)
	return raw
}
