package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/pkg/models"
)

func event(typ models.EventType, text string) *models.ThreadEvent {
	return &models.ThreadEvent{Type: typ, Data: models.MarshalMessageData(text)}
}

func TestCutIndex(t *testing.T) {
	tests := []struct {
		name   string
		events []*models.ThreadEvent
		want   int
	}{
		{
			name:   "short thread keeps everything",
			events: []*models.ThreadEvent{event(models.EventUserMessage, "a"), event(models.EventAgentMessage, "b")},
			want:   0,
		},
		{
			name: "keeps trailing four",
			events: []*models.ThreadEvent{
				event(models.EventUserMessage, "1"),
				event(models.EventAgentMessage, "2"),
				event(models.EventUserMessage, "3"),
				event(models.EventAgentMessage, "4"),
				event(models.EventUserMessage, "5"),
				event(models.EventAgentMessage, "6"),
			},
			want: 2,
		},
		{
			name: "suffix extended to include last user message",
			events: []*models.ThreadEvent{
				event(models.EventUserMessage, "1"),
				event(models.EventAgentMessage, "2"),
				event(models.EventUserMessage, "3"),
				event(models.EventAgentMessage, "4"),
				event(models.EventToolCall, "5"),
				event(models.EventToolResult, "6"),
				event(models.EventAgentMessage, "7"),
				event(models.EventAgentMessage, "8"),
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CutIndex(tt.events); got != tt.want {
				t.Errorf("CutIndex = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompactAppendsCompactionEvent(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	id := threads.NewID(time.Now())
	if err := store.CreateThread(ctx, id, ""); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	texts := []struct {
		typ  models.EventType
		text string
	}{
		{models.EventUserMessage, "explain the build"},
		{models.EventAgentMessage, "it uses make"},
		{models.EventUserMessage, "and the tests?"},
		{models.EventAgentMessage, "go test"},
		{models.EventUserMessage, "now fix the bug"},
		{models.EventAgentMessage, "looking"},
	}
	for _, e := range texts {
		if _, err := store.AppendEvent(ctx, id, e.typ, models.MarshalMessageData(e.text)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	provider := providers.NewFakeProvider(providers.TextStep("Build uses make; tests run with go test.", 50, 10))
	compactor := NewCompactor(store, provider, observability.NopLogger())

	compactionEvent, err := compactor.Compact(ctx, id)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if compactionEvent.Type != models.EventCompaction {
		t.Errorf("type = %s", compactionEvent.Type)
	}

	data, err := compactionEvent.Compaction()
	if err != nil {
		t.Fatalf("Compaction: %v", err)
	}
	if data.OriginalEventCount != 2 {
		t.Errorf("OriginalEventCount = %d, want 2", data.OriginalEventCount)
	}
	if len(data.CompactedEvents) != 1 || data.CompactedEvents[0].Type != models.EventAgentMessage {
		t.Fatalf("CompactedEvents = %+v", data.CompactedEvents)
	}
	summary, err := data.CompactedEvents[0].MessageText()
	if err != nil || !strings.Contains(summary, "go test") {
		t.Errorf("summary = %q, err = %v", summary, err)
	}

	// The original events are still in storage.
	all, err := store.GetEvents(ctx, id)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(all) != 7 {
		t.Errorf("stored events = %d, want 7", len(all))
	}

	// Projection replaces the prefix with the summary.
	effective := Effective(all)
	if len(effective) != 5 {
		t.Fatalf("effective events = %d, want 5", len(effective))
	}
	first, _ := effective[0].MessageText()
	if !strings.Contains(first, "Summary of earlier conversation") {
		t.Errorf("first effective event = %q", first)
	}
	lastText, _ := effective[len(effective)-1].MessageText()
	if lastText != "looking" {
		t.Errorf("last effective event = %q", lastText)
	}
}

func TestCompactKeepsPromptEvents(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	id := threads.NewID(time.Now())
	if err := store.CreateThread(ctx, id, ""); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	store.AppendEvent(ctx, id, models.EventSystemPrompt, models.MarshalMessageData("You are a coding assistant."))
	store.AppendEvent(ctx, id, models.EventUserSystemPrompt, models.MarshalMessageData("Prefer tabs."))
	for i := 0; i < 6; i++ {
		typ := models.EventUserMessage
		if i%2 == 1 {
			typ = models.EventAgentMessage
		}
		store.AppendEvent(ctx, id, typ, models.MarshalMessageData("msg"))
	}

	provider := providers.NewFakeProvider(providers.TextStep("Earlier the user asked about the build.", 30, 8))
	compactor := NewCompactor(store, provider, observability.NopLogger())
	if _, err := compactor.Compact(ctx, id); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	all, err := store.GetEvents(ctx, id)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	effective := Effective(all)
	if len(effective) < 3 {
		t.Fatalf("effective events = %d, want at least 3", len(effective))
	}
	if effective[0].Type != models.EventSystemPrompt {
		t.Errorf("first effective event = %s, want SYSTEM_PROMPT", effective[0].Type)
	}
	if effective[1].Type != models.EventUserSystemPrompt {
		t.Errorf("second effective event = %s, want USER_SYSTEM_PROMPT", effective[1].Type)
	}
	summary, _ := effective[2].MessageText()
	if effective[2].Type != models.EventAgentMessage || !strings.Contains(summary, "Summary of earlier conversation") {
		t.Errorf("third effective event = %s %q", effective[2].Type, summary)
	}
}

func TestCompactTooShort(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	id := threads.NewID(time.Now())
	store.CreateThread(ctx, id, "")
	store.AppendEvent(ctx, id, models.EventUserMessage, models.MarshalMessageData("hi"))

	compactor := NewCompactor(store, providers.NewFakeProvider(), observability.NopLogger())
	if _, err := compactor.Compact(ctx, id); !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("Compact = %v, want ErrNothingToCompact", err)
	}
}

func TestCompactSummarizationFailure(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	id := threads.NewID(time.Now())
	store.CreateThread(ctx, id, "")
	for i := 0; i < 8; i++ {
		typ := models.EventUserMessage
		if i%2 == 1 {
			typ = models.EventAgentMessage
		}
		store.AppendEvent(ctx, id, typ, models.MarshalMessageData("msg"))
	}

	provider := providers.NewFakeProvider(providers.FakeStep{Err: errors.New("provider down")})
	compactor := NewCompactor(store, provider, observability.NopLogger())

	if _, err := compactor.Compact(ctx, id); err == nil {
		t.Fatal("expected error when summarization fails")
	}
	all, _ := store.GetEvents(ctx, id)
	if len(all) != 8 {
		t.Errorf("failed compaction must not append events, got %d", len(all))
	}
}

func TestEffectiveWithoutCompaction(t *testing.T) {
	events := []*models.ThreadEvent{event(models.EventUserMessage, "a")}
	if got := Effective(events); len(got) != 1 {
		t.Errorf("Effective = %d events", len(got))
	}
}

func TestTruncateOldest(t *testing.T) {
	events := []*models.ThreadEvent{
		event(models.EventSystemPrompt, "sys"),
		event(models.EventUserMessage, "one"),
		event(models.EventAgentMessage, "two"),
		event(models.EventUserMessage, "three"),
	}
	countEvents := func(evts []*models.ThreadEvent) int { return len(evts) }

	trimmed := TruncateOldest(events, countEvents, 2)
	if len(trimmed) != 2 {
		t.Fatalf("trimmed to %d events, want 2", len(trimmed))
	}
	if trimmed[0].Type != models.EventSystemPrompt {
		t.Error("system prompt must survive truncation")
	}
	lastText, _ := trimmed[1].MessageText()
	if lastText != "three" {
		t.Errorf("kept %q, want newest message", lastText)
	}
}
