// Package agent implements the per-thread conversation state machine: it
// turns user input into provider calls, tool executions, and thread events,
// and emits lifecycle events for observers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/internal/backoff"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/queue"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

// ErrAgentStopped is returned when work is sent to a stopped agent.
var ErrAgentStopped = errors.New("agent is stopped")

// ErrBudgetExceeded means the context could not be made to fit the token
// budget even after compaction and truncation.
var ErrBudgetExceeded = errors.New("token budget exceeded; run /compact or start a new thread")

// progressInterval is how often turn_progress events fire while a turn runs.
const progressInterval = time.Second

// Options configure a new Agent.
type Options struct {
	ThreadID threads.ID
	Store    threads.Store

	// Provider is the base provider; the agent wraps it with retry.
	Provider providers.Provider

	// RetryPolicy overrides the provider backoff. Zero value keeps the
	// default policy.
	RetryPolicy backoff.Policy

	// RetryMaxAttempts bounds provider attempts per request. Zero keeps
	// the default.
	RetryMaxAttempts int

	Executor *tools.Executor
	Budget   budget.Config

	// QueueLength bounds the inbox; zero uses the queue default.
	QueueLength int

	// Compactor summarizes old events when the budget demands. Nil
	// disables summarization; the agent falls back to truncation.
	Compactor *compaction.Compactor

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Streaming asks for token streaming when the provider supports it.
	Streaming bool

	WorkingDir string

	// SystemPrompt and UserInstructions are recorded as the thread's first
	// events when the thread is empty.
	SystemPrompt     string
	UserInstructions string
}

// Agent is a single-owner executor for one thread: at most one turn runs at
// a time, and only the agent appends to its thread.
type Agent struct {
	threadID   threads.ID
	store      threads.Store
	provider   *providers.RetryProvider
	executor   *tools.Executor
	budget     *budget.Manager
	queue      *queue.Queue
	compactor  *compaction.Compactor
	logger     *observability.Logger
	metrics    *observability.Metrics
	emitter    *Emitter
	streaming  bool
	workingDir string

	mu         sync.Mutex
	state      models.AgentState
	turn       *turnState
	turnCancel context.CancelFunc
	draining   bool
}

// turnState accumulates the metrics of one in-flight turn.
type turnState struct {
	mu      sync.Mutex
	metrics models.TurnMetrics
}

func newTurnState() *turnState {
	return &turnState{metrics: models.TurnMetrics{
		TurnID:    uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}}
}

func (t *turnState) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics.TurnID
}

func (t *turnState) addUsage(usage *models.Usage) {
	if usage == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TokensIn += usage.PromptTokens
	t.metrics.TokensOut += usage.CompletionTokens
}

func (t *turnState) addRetry(m models.RetryMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Retry.Attempts += m.Attempts
	t.metrics.Retry.TotalDelayMs += m.TotalDelayMs
	t.metrics.Retry.Successful = m.Successful
	if m.LastError != "" {
		t.metrics.Retry.LastError = m.LastError
	}
}

func (t *turnState) snapshot() *models.TurnMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.ElapsedMs = time.Since(t.metrics.StartedAt).Milliseconds()
	return &m
}

// New creates an agent bound to a thread, creating the thread and recording
// its prompt events when it does not exist yet.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Executor == nil {
		return nil, errors.New("agent requires a store, a provider, and an executor")
	}
	if !opts.ThreadID.Valid() {
		return nil, fmt.Errorf("invalid thread id %q", opts.ThreadID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	a := &Agent{
		threadID:   opts.ThreadID,
		store:      opts.Store,
		executor:   opts.Executor,
		budget:     budget.NewManager(opts.Budget),
		queue:      queue.New(opts.QueueLength),
		compactor:  opts.Compactor,
		logger:     logger.With("thread_id", opts.ThreadID.String()),
		metrics:    opts.Metrics,
		emitter:    NewEmitter(opts.ThreadID.String()),
		streaming:  opts.Streaming,
		workingDir: opts.WorkingDir,
		state:      models.StateIdle,
	}

	retry := providers.NewRetryProvider(opts.Provider, logger, opts.Metrics)
	if opts.RetryPolicy.Initial > 0 {
		retry = retry.WithPolicy(opts.RetryPolicy)
	}
	retry = retry.WithMaxAttempts(opts.RetryMaxAttempts)
	retry.OnRetry = func(info models.RetryInfo) {
		a.emitter.Emit(models.AgentEvent{
			Type:   models.AgentEventRetryAttempt,
			TurnID: a.currentTurnID(),
			Retry:  &info,
		})
	}
	retry.OnExhausted = func(m models.RetryMetrics) {
		a.emitter.Emit(models.AgentEvent{
			Type:    models.AgentEventRetryExhausted,
			TurnID:  a.currentTurnID(),
			Retry:   &models.RetryInfo{Attempt: m.Attempts, Error: m.LastError},
			Message: m.LastError,
		})
	}
	a.provider = retry

	if err := a.initThread(ctx, opts.SystemPrompt, opts.UserInstructions); err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.ActiveAgents.Inc()
	}
	return a, nil
}

func (a *Agent) initThread(ctx context.Context, systemPrompt, userInstructions string) error {
	_, err := a.store.GetThread(ctx, a.threadID)
	if errors.Is(err, threads.ErrThreadNotFound) {
		if err := a.store.CreateThread(ctx, a.threadID, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	events, err := a.store.GetEvents(ctx, a.threadID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		return nil
	}
	if systemPrompt != "" {
		if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventSystemPrompt, models.MarshalMessageData(systemPrompt)); err != nil {
			return err
		}
	}
	if userInstructions != "" {
		if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventUserSystemPrompt, models.MarshalMessageData(userInstructions)); err != nil {
			return err
		}
	}
	return nil
}

// ThreadID returns the thread this agent owns.
func (a *Agent) ThreadID() threads.ID { return a.threadID }

// State returns the current lifecycle state.
func (a *Agent) State() models.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Subscribe registers an event sink and returns its unsubscribe function.
func (a *Agent) Subscribe(sink Sink) func() { return a.emitter.Subscribe(sink) }

// QueueStats exposes inbox statistics.
func (a *Agent) QueueStats() queue.Stats { return a.queue.Stats() }

// Budget exposes the token budget manager.
func (a *Agent) Budget() *budget.Manager { return a.budget }

// SetSystemPrompt refreshes the provider's system prompt. Used when the
// agent is reparented to a new session or project.
func (a *Agent) SetSystemPrompt(prompt string) { a.provider.SetSystemPrompt(prompt) }

// SendMessage runs a turn for the given user text, or enqueues it when a
// turn is already in flight. The call returns when the turn (and any queued
// follow-ups it drained) finished.
func (a *Agent) SendMessage(ctx context.Context, text string) error {
	return a.submit(ctx, models.QueuedMessage{Content: text, Source: models.SourceUser})
}

// EnqueueMessage places a message in the inbox without starting a turn. The
// message is processed on the next transition into idle.
func (a *Agent) EnqueueMessage(msg models.QueuedMessage) error {
	a.mu.Lock()
	stopped := a.state == models.StateStopped
	a.mu.Unlock()
	if stopped {
		return ErrAgentStopped
	}
	_, err := a.queue.Enqueue(msg)
	return err
}

func (a *Agent) submit(ctx context.Context, msg models.QueuedMessage) error {
	a.mu.Lock()
	switch a.state {
	case models.StateStopped:
		a.mu.Unlock()
		return ErrAgentStopped
	case models.StateIdle:
	default:
		a.mu.Unlock()
		_, err := a.queue.Enqueue(msg)
		return err
	}
	turnCtx, turn := a.claimTurnLocked(ctx)
	a.mu.Unlock()
	a.emitStateChange(models.StateIdle, models.StateThinking, turn.id())

	err := a.runTurn(turnCtx, turn, msg.Content)
	a.finishTurn(turn)
	a.drainOnIdle(ctx)
	return err
}

// claimTurnLocked moves the agent into thinking and installs the turn's
// cancellation. Caller holds a.mu and emits the state change after unlock.
func (a *Agent) claimTurnLocked(ctx context.Context) (context.Context, *turnState) {
	turnCtx, cancel := context.WithCancel(ctx)
	turn := newTurnState()
	a.turn = turn
	a.turnCancel = cancel
	a.state = models.StateThinking
	return turnCtx, turn
}

func (a *Agent) finishTurn(turn *turnState) {
	a.mu.Lock()
	if a.turnCancel != nil {
		a.turnCancel()
	}
	a.turn = nil
	a.turnCancel = nil
	from := a.state
	if from == models.StateStopped || from == models.StateIdle {
		a.mu.Unlock()
		return
	}
	a.state = models.StateIdle
	a.mu.Unlock()
	a.emitStateChange(from, models.StateIdle, turn.id())
}

// Abort cancels the in-flight turn, if any. Reports whether something was
// aborted. Safe to call repeatedly and from event sinks.
func (a *Agent) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == models.StateIdle || a.state == models.StateStopped || a.turnCancel == nil {
		return false
	}
	a.turnCancel()
	return true
}

// Stop terminally shuts the agent down, cancelling any in-flight turn. A
// stopped agent accepts no further work.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state == models.StateStopped {
		a.mu.Unlock()
		return
	}
	from := a.state
	cancel := a.turnCancel
	a.state = models.StateStopped
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.metrics != nil {
		a.metrics.ActiveAgents.Dec()
	}
	a.emitStateChange(from, models.StateStopped, "")
}

func (a *Agent) currentTurnID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turn == nil {
		return ""
	}
	return a.turn.id()
}

// drainOnIdle processes queued messages one turn at a time. It is a no-op
// unless the agent is idle, and never runs twice concurrently.
func (a *Agent) drainOnIdle(ctx context.Context) {
	a.mu.Lock()
	if a.state != models.StateIdle || a.draining {
		a.mu.Unlock()
		return
	}
	a.draining = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.draining = false
		a.mu.Unlock()
	}()

	for {
		a.mu.Lock()
		if a.state != models.StateIdle {
			a.mu.Unlock()
			return
		}
		msg, ok := a.queue.Dequeue()
		if !ok {
			a.mu.Unlock()
			return
		}
		turnCtx, turn := a.claimTurnLocked(ctx)
		a.mu.Unlock()
		a.emitStateChange(models.StateIdle, models.StateThinking, turn.id())

		a.runTurn(turnCtx, turn, msg.Content)
		a.finishTurn(turn)
	}
}

func (a *Agent) setState(to models.AgentState, turnID string) {
	a.mu.Lock()
	from := a.state
	if from == to || from == models.StateStopped {
		a.mu.Unlock()
		return
	}
	a.state = to
	a.mu.Unlock()
	a.emitStateChange(from, to, turnID)
}

func (a *Agent) emitStateChange(from, to models.AgentState, turnID string) {
	a.emitter.Emit(models.AgentEvent{
		Type:   models.AgentEventStateChange,
		TurnID: turnID,
		State:  &models.StateChange{From: from, To: to},
	})
}

// runTurn executes one turn: append the user message, then loop provider
// calls and tool executions until a response carries no tool calls.
func (a *Agent) runTurn(ctx context.Context, turn *turnState, text string) error {
	turnID := turn.id()
	a.emitter.Emit(models.AgentEvent{Type: models.AgentEventTurnStart, TurnID: turnID})
	stopProgress := a.startProgress(ctx, turn)
	defer stopProgress()

	if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventUserMessage, models.MarshalMessageData(text)); err != nil {
		return a.failTurn(ctx, turn, fmt.Errorf("append user message: %w", err))
	}

	for {
		messages, err := a.buildContext(ctx)
		if err != nil {
			return a.failTurn(ctx, turn, err)
		}

		a.emitter.Emit(models.AgentEvent{Type: models.AgentEventThinkingStart, TurnID: turnID})
		response, err := a.complete(ctx, turn, messages)
		if err != nil {
			return a.failTurn(ctx, turn, err)
		}
		a.emitter.Emit(models.AgentEvent{Type: models.AgentEventThinkingComplete, TurnID: turnID})
		a.recordUsage(ctx, turn, response.Usage)

		if response.Content != "" {
			if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventAgentMessage, models.MarshalMessageData(response.Content)); err != nil {
				return a.failTurn(ctx, turn, fmt.Errorf("append agent message: %w", err))
			}
		}
		for _, call := range response.ToolCalls {
			if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventToolCall, models.MarshalToolCallData(call)); err != nil {
				return a.failTurn(ctx, turn, fmt.Errorf("append tool call: %w", err))
			}
		}
		if len(response.ToolCalls) == 0 {
			break
		}

		a.setState(models.StateToolExecution, turnID)
		if err := a.runTools(ctx, turn, response.ToolCalls); err != nil {
			return a.failTurn(ctx, turn, err)
		}
		a.setState(models.StateThinking, turnID)
	}

	metrics := turn.snapshot()
	a.emitter.Emit(models.AgentEvent{Type: models.AgentEventTurnComplete, TurnID: turnID, Metrics: metrics})
	a.observeTurn("complete", metrics)
	a.logger.Info(ctx, "turn complete",
		"turn_id", turnID,
		"elapsed_ms", metrics.ElapsedMs,
		"tokens_in", metrics.TokensIn,
		"tokens_out", metrics.TokensOut)
	return nil
}

// complete performs one provider request, streaming tokens to observers when
// enabled, and folds the call's retry metrics into the turn.
func (a *Agent) complete(ctx context.Context, turn *turnState, messages []providers.Message) (*providers.Response, error) {
	defs := a.executor.Definitions()
	turnID := turn.id()

	var response *providers.Response
	var err error
	if a.streaming && a.provider.SupportsStreaming() {
		var once sync.Once
		sink := func(token string) {
			once.Do(func() { a.setState(models.StateStreaming, turnID) })
			a.emitter.Emit(models.AgentEvent{Type: models.AgentEventToken, TurnID: turnID, Token: token})
		}
		response, err = a.provider.CreateStreamingResponse(ctx, messages, defs, sink)
	} else {
		response, err = a.provider.CreateResponse(ctx, messages, defs)
	}
	turn.addRetry(a.provider.LastRetryMetrics())
	if err != nil {
		return nil, err
	}
	a.setState(models.StateThinking, turnID)
	return response, nil
}

// buildContext projects the thread into provider messages and makes it fit
// the budget: compaction first, then truncation of the oldest events.
func (a *Agent) buildContext(ctx context.Context) ([]providers.Message, error) {
	effective, err := a.effectiveEvents(ctx)
	if err != nil {
		return nil, err
	}
	estimate := func(events []*models.ThreadEvent) int {
		return budget.Estimate(messageTexts(BuildMessages(events))...)
	}

	if !a.budget.CanMakeRequest(estimate(effective)) && a.compactor != nil {
		if _, err := a.compactor.Compact(ctx, a.threadID); err != nil {
			a.logger.Warn(ctx, "compaction failed, falling back to truncation", "error", err)
		} else if effective, err = a.effectiveEvents(ctx); err != nil {
			return nil, err
		}
	}
	if !a.budget.CanMakeRequest(estimate(effective)) {
		cfg := a.budget.Config()
		remaining := cfg.MaxTokens - cfg.ReserveTokens - a.budget.Used()
		effective = compaction.TruncateOldest(effective, estimate, remaining)
	}
	if !a.budget.CanMakeRequest(estimate(effective)) {
		return nil, ErrBudgetExceeded
	}
	return BuildMessages(effective), nil
}

func (a *Agent) effectiveEvents(ctx context.Context) ([]*models.ThreadEvent, error) {
	events, err := a.store.GetEvents(ctx, a.threadID)
	if err != nil {
		return nil, err
	}
	return compaction.Effective(events), nil
}

// runTools executes the turn's tool calls sequentially, in provider order,
// appending each result before starting the next call.
func (a *Agent) runTools(ctx context.Context, turn *turnState, calls []models.ToolCall) error {
	turnID := turn.id()
	tc := tools.ToolContext{
		ThreadID:   a.threadID.String(),
		WorkingDir: a.workingDir,
		OnProgress: func(note string) {
			a.logger.Debug(ctx, "tool progress", "turn_id", turnID, "note", note)
		},
	}

	for i := range calls {
		call := calls[i]
		a.emitter.Emit(models.AgentEvent{Type: models.AgentEventToolCallStart, TurnID: turnID, ToolCall: &call})

		result, err := a.executor.ExecuteCall(ctx, call, tc)
		if err != nil {
			// Cancelled before the call produced a result; no event.
			return err
		}
		if _, err := a.store.AppendEvent(ctx, a.threadID, models.EventToolResult, models.MarshalToolResultData(*result)); err != nil {
			return fmt.Errorf("append tool result: %w", err)
		}
		a.emitter.Emit(models.AgentEvent{Type: models.AgentEventToolCallComplete, TurnID: turnID, ToolResult: result})
	}
	return nil
}

func (a *Agent) recordUsage(ctx context.Context, turn *turnState, usage *models.Usage) {
	if usage == nil {
		return
	}
	turn.addUsage(usage)
	a.budget.Record(*usage)
	if a.metrics != nil {
		a.metrics.TokenCounter.WithLabelValues(a.provider.Name(), "prompt").Add(float64(usage.PromptTokens))
		a.metrics.TokenCounter.WithLabelValues(a.provider.Name(), "completion").Add(float64(usage.CompletionTokens))
	}

	total := a.budget.Usage()
	a.emitter.Emit(models.AgentEvent{Type: models.AgentEventTokenUsage, TurnID: turn.id(), Usage: &total})
	if a.budget.IsNearLimit() {
		rec := a.budget.Recommendations()
		a.emitter.Emit(models.AgentEvent{
			Type:    models.AgentEventBudgetWarning,
			TurnID:  turn.id(),
			Message: rec.Warning,
		})
		a.logger.Warn(ctx, "token budget near limit", "used", a.budget.Used())
	}
}

// abortTurn ends the turn after cancellation: exactly one turn_aborted, no
// error event.
func (a *Agent) abortTurn(turn *turnState) error {
	metrics := turn.snapshot()
	a.emitter.Emit(models.AgentEvent{Type: models.AgentEventTurnAborted, TurnID: turn.id(), Metrics: metrics})
	a.observeTurn("aborted", metrics)
	return nil
}

// failTurn reports a turn failure. Cancellation, from whichever path it
// surfaces (provider call, store append, tool execution), becomes
// turn_aborted rather than an error event.
func (a *Agent) failTurn(ctx context.Context, turn *turnState, err error) error {
	if providers.IsCancelled(err) {
		return a.abortTurn(turn)
	}
	a.emitter.Emit(models.AgentEvent{
		Type:    models.AgentEventError,
		TurnID:  turn.id(),
		Message: err.Error(),
		Err:     err,
	})
	a.observeTurn("error", turn.snapshot())
	a.logger.Error(ctx, "turn failed", "turn_id", turn.id(), "error", err)
	return err
}

func (a *Agent) observeTurn(outcome string, metrics *models.TurnMetrics) {
	if a.metrics == nil {
		return
	}
	a.metrics.TurnCounter.WithLabelValues(outcome).Inc()
	a.metrics.TurnDuration.Observe(float64(metrics.ElapsedMs) / 1000)
}

// startProgress emits turn_progress on a timer until the turn ends.
func (a *Agent) startProgress(ctx context.Context, turn *turnState) (stop func()) {
	ticker := time.NewTicker(progressInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				m := turn.snapshot()
				a.emitter.Emit(models.AgentEvent{
					Type:      models.AgentEventTurnProgress,
					TurnID:    turn.id(),
					ElapsedMs: m.ElapsedMs,
				})
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
