package models

import "time"

// AgentState is the lifecycle state of an agent's state machine.
type AgentState string

const (
	// StateIdle means the agent is ready to accept a message.
	StateIdle AgentState = "idle"

	// StateThinking means a provider request is being prepared or awaited.
	StateThinking AgentState = "thinking"

	// StateStreaming means tokens are arriving from the provider.
	StateStreaming AgentState = "streaming"

	// StateToolExecution means tool calls from the current response are
	// being executed.
	StateToolExecution AgentState = "tool_execution"

	// StateStopped is terminal; a stopped agent accepts no further work.
	StateStopped AgentState = "stopped"
)

// AgentEventType identifies an observable agent lifecycle event.
type AgentEventType string

const (
	AgentEventStateChange      AgentEventType = "state_change"
	AgentEventTurnStart        AgentEventType = "turn_start"
	AgentEventTurnProgress     AgentEventType = "turn_progress"
	AgentEventToken            AgentEventType = "agent_token"
	AgentEventThinkingStart    AgentEventType = "agent_thinking_start"
	AgentEventThinkingComplete AgentEventType = "agent_thinking_complete"
	AgentEventToolCallStart    AgentEventType = "tool_call_start"
	AgentEventToolCallComplete AgentEventType = "tool_call_complete"
	AgentEventTurnComplete     AgentEventType = "turn_complete"
	AgentEventTurnAborted      AgentEventType = "turn_aborted"
	AgentEventTokenUsage       AgentEventType = "token_usage_update"
	AgentEventBudgetWarning    AgentEventType = "token_budget_warning"
	AgentEventError            AgentEventType = "error"
	AgentEventRetryAttempt     AgentEventType = "retry_attempt"
	AgentEventRetryExhausted   AgentEventType = "retry_exhausted"
)

// Usage is the token accounting a provider reports for one request.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// RetryMetrics summarizes the retry behavior of the provider calls made
// during a turn.
type RetryMetrics struct {
	// Attempts counts retries, not total calls: 0 means first call worked.
	Attempts int `json:"attempts"`

	// TotalDelayMs is the accumulated backoff sleep time.
	TotalDelayMs int64 `json:"totalDelayMs"`

	// Successful reports whether a call eventually succeeded.
	Successful bool `json:"successful"`

	// LastError is the message of the most recent retried error.
	LastError string `json:"lastError,omitempty"`
}

// TurnMetrics is the per-turn record emitted with turn_complete and
// turn_aborted events. It is held in memory only.
type TurnMetrics struct {
	TurnID    string       `json:"turnId"`
	StartedAt time.Time    `json:"startedAt"`
	ElapsedMs int64        `json:"elapsedMs"`
	TokensIn  int          `json:"tokensIn"`
	TokensOut int          `json:"tokensOut"`
	Retry     RetryMetrics `json:"retryMetrics"`
}

// StateChange carries the transition of a state_change event.
type StateChange struct {
	From AgentState `json:"from"`
	To   AgentState `json:"to"`
}

// RetryInfo carries the payload of retry_attempt and retry_exhausted events.
type RetryInfo struct {
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delayMs"`
	Error   string `json:"error,omitempty"`
}

// AgentEvent is an observable lifecycle event emitted by an agent while it
// processes a turn. Events carry a monotonic per-agent sequence so observers
// can detect gaps.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Time     time.Time      `json:"time"`
	Sequence uint64         `json:"sequence"`
	ThreadID string         `json:"threadId"`
	TurnID   string         `json:"turnId,omitempty"`

	// State is set for state_change events.
	State *StateChange `json:"state,omitempty"`

	// Token is the text fragment of an agent_token event.
	Token string `json:"token,omitempty"`

	// ElapsedMs is set for turn_progress events.
	ElapsedMs int64 `json:"elapsedMs,omitempty"`

	// ToolCall is set for tool_call_start events.
	ToolCall *ToolCall `json:"toolCall,omitempty"`

	// ToolResult is set for tool_call_complete events.
	ToolResult *ToolResult `json:"toolResult,omitempty"`

	// Metrics is set for turn_complete and turn_aborted events.
	Metrics *TurnMetrics `json:"metrics,omitempty"`

	// Usage is set for token_usage_update events.
	Usage *Usage `json:"usage,omitempty"`

	// Retry is set for retry_attempt and retry_exhausted events.
	Retry *RetryInfo `json:"retry,omitempty"`

	// Message carries warning or error text.
	Message string `json:"message,omitempty"`

	// Err is the underlying error for error events (not serialized).
	Err error `json:"-"`
}
