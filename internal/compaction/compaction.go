// Package compaction condenses a thread prefix into a single synthetic
// summary event so long conversations keep fitting the context window.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/pkg/models"
)

// minKeepEvents is the number of trailing events kept verbatim; the kept
// suffix grows backward when needed so it always contains the most recent
// user message.
const minKeepEvents = 4

// ErrNothingToCompact means the thread is too short to benefit.
var ErrNothingToCompact = errors.New("nothing to compact")

// summarySystemPrompt steers the summarization request.
const summarySystemPrompt = `You summarize conversation transcripts between a user and a coding assistant.
Preserve the user's goals, decisions made, files and commands mentioned,
tool results that still matter, and open questions. Write plain prose,
no preamble.`

// Compactor builds COMPACTION events.
type Compactor struct {
	store    threads.Store
	provider providers.Provider
	logger   *observability.Logger
}

// NewCompactor creates a compactor that summarizes with the given provider.
func NewCompactor(store threads.Store, provider providers.Provider, logger *observability.Logger) *Compactor {
	return &Compactor{store: store, provider: provider, logger: logger}
}

// Compact summarizes the oldest events of a thread and appends a COMPACTION
// event that logically replaces them. Returns the appended event.
func (c *Compactor) Compact(ctx context.Context, threadID threads.ID) (*models.ThreadEvent, error) {
	events, err := c.store.GetEvents(ctx, threadID)
	if err != nil {
		return nil, err
	}

	cut := CutIndex(events)
	if cut < 2 {
		return nil, ErrNothingToCompact
	}
	prefix := events[:cut]

	summary, err := c.summarize(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("summarize prefix: %w", err)
	}

	// Prompt events in the prefix are carried into the replacement so a
	// compacted thread still projects its system prompt. The summary only
	// stands in for the conversation.
	compacted := make([]models.ThreadEvent, 0, 3)
	for _, e := range prefix {
		if e.Type == models.EventSystemPrompt || e.Type == models.EventUserSystemPrompt {
			compacted = append(compacted, *e)
		}
	}
	compacted = append(compacted, models.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID.String(),
		Type:      models.EventAgentMessage,
		Timestamp: time.Now().UTC(),
		Data:      models.MarshalMessageData("Summary of earlier conversation:\n" + summary),
	})

	data := models.CompactionData{
		OriginalEventCount: len(prefix),
		CompactedEvents:    compacted,
	}
	event, err := c.store.AppendEvent(ctx, threadID, models.EventCompaction, models.MarshalCompactionData(data))
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "thread compacted",
		"thread_id", threadID.String(), "replaced_events", len(prefix))
	return event, nil
}

func (c *Compactor) summarize(ctx context.Context, events []*models.ThreadEvent) (string, error) {
	transcript := Transcript(events)
	if strings.TrimSpace(transcript) == "" {
		return "", ErrNothingToCompact
	}

	messages := []providers.Message{
		{Role: providers.RoleSystem, Content: summarySystemPrompt},
		{Role: providers.RoleUser, Content: "Summarize this transcript:\n\n" + transcript},
	}
	response, err := c.provider.CreateResponse(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(response.Content)
	if summary == "" {
		return "", errors.New("provider returned an empty summary")
	}
	return summary, nil
}

// CutIndex selects how many leading events a compaction replaces: all but
// the trailing minKeepEvents, pulled further back if the kept suffix would
// otherwise miss the most recent user message.
func CutIndex(events []*models.ThreadEvent) int {
	cut := len(events) - minKeepEvents
	if cut < 0 {
		cut = 0
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventUserMessage {
			if i < cut {
				cut = i
			}
			break
		}
	}
	return cut
}

// Effective returns the events a projection should use: the latest
// COMPACTION's synthetic events stand in for the first originalEventCount
// events of the thread.
func Effective(events []*models.ThreadEvent) []*models.ThreadEvent {
	last := -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventCompaction {
			last = i
			break
		}
	}
	if last < 0 {
		return events
	}

	data, err := events[last].Compaction()
	if err != nil {
		return events
	}
	replaced := data.OriginalEventCount
	if replaced > last {
		replaced = last
	}

	result := make([]*models.ThreadEvent, 0, len(data.CompactedEvents)+len(events)-replaced-1)
	for i := range data.CompactedEvents {
		result = append(result, &data.CompactedEvents[i])
	}
	result = append(result, events[replaced:last]...)
	result = append(result, events[last+1:]...)
	return result
}

// TruncateOldest drops leading non-system events until the estimated token
// cost fits the budget. Fallback for when summarization fails.
func TruncateOldest(events []*models.ThreadEvent, estimate func([]*models.ThreadEvent) int, budgetTokens int) []*models.ThreadEvent {
	trimmed := append([]*models.ThreadEvent(nil), events...)
	for len(trimmed) > 1 && estimate(trimmed) > budgetTokens {
		dropped := false
		for i, event := range trimmed {
			if event.Type == models.EventSystemPrompt || event.Type == models.EventUserSystemPrompt {
				continue
			}
			trimmed = append(trimmed[:i], trimmed[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return trimmed
}

// Transcript renders events as plain text for the summarization request.
func Transcript(events []*models.ThreadEvent) string {
	var b strings.Builder
	for _, event := range events {
		switch event.Type {
		case models.EventUserMessage:
			if text, err := event.MessageText(); err == nil {
				fmt.Fprintf(&b, "User: %s\n", text)
			}
		case models.EventAgentMessage:
			if text, err := event.MessageText(); err == nil {
				fmt.Fprintf(&b, "Assistant: %s\n", text)
			}
		case models.EventToolCall:
			if call, err := event.ToolCall(); err == nil {
				fmt.Fprintf(&b, "Tool call %s: %s(%s)\n", call.ID, call.Name, string(call.Input))
			}
		case models.EventToolResult:
			if result, err := event.ToolResult(); err == nil {
				status := "ok"
				if result.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "Tool result %s (%s): %s\n", result.ID, status, result.Text())
			}
		case models.EventLocalSystemMessage:
			if text, err := event.MessageText(); err == nil {
				fmt.Fprintf(&b, "System note: %s\n", text)
			}
		}
	}
	return b.String()
}
