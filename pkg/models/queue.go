package models

import "time"

// MessageSource identifies who enqueued a message for the agent.
type MessageSource string

const (
	SourceUser   MessageSource = "user"
	SourceTool   MessageSource = "tool"
	SourceSystem MessageSource = "system"
)

// MessagePriority orders queued messages. All high entries drain before any
// normal entry.
type MessagePriority string

const (
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
)

// QueuedMessage is an entry in an agent's inbox. Queued messages are
// ephemeral: they enter the event log only once the agent processes them.
type QueuedMessage struct {
	ID         string          `json:"id"`
	Content    string          `json:"content"`
	Source     MessageSource   `json:"source"`
	Priority   MessagePriority `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}
