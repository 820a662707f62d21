package agent

import (
	"encoding/json"
	"testing"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

func messageEvent(typ models.EventType, text string) *models.ThreadEvent {
	return &models.ThreadEvent{Type: typ, Data: models.MarshalMessageData(text)}
}

func TestBuildMessages(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "file_read", Input: json.RawMessage(`{"path":"a"}`)}
	result := models.TextResult("c1", "X")

	events := []*models.ThreadEvent{
		messageEvent(models.EventSystemPrompt, "Be terse."),
		messageEvent(models.EventUserSystemPrompt, "Tabs only."),
		messageEvent(models.EventUserMessage, "read a"),
		messageEvent(models.EventAgentMessage, "ok"),
		{Type: models.EventToolCall, Data: models.MarshalToolCallData(call)},
		{Type: models.EventToolResult, Data: models.MarshalToolResultData(result)},
		messageEvent(models.EventLocalSystemMessage, "host-only note"),
		messageEvent(models.EventAgentMessage, "done"),
	}

	messages := BuildMessages(events)
	wantRoles := []providers.Role{
		providers.RoleSystem,
		providers.RoleSystem,
		providers.RoleUser,
		providers.RoleAssistant,
		providers.RoleUser,
		providers.RoleAssistant,
	}
	if len(messages) != len(wantRoles) {
		t.Fatalf("projected %d messages, want %d: %+v", len(messages), len(wantRoles), messages)
	}
	for i, want := range wantRoles {
		if messages[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, messages[i].Role, want)
		}
	}

	// The tool call attaches to the preceding assistant message.
	if len(messages[3].ToolCalls) != 1 || messages[3].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v", messages[3].ToolCalls)
	}
	if len(messages[4].ToolResults) != 1 || messages[4].ToolResults[0].Text() != "X" {
		t.Errorf("tool results = %+v", messages[4].ToolResults)
	}
}

func TestBuildMessagesOrphanToolCall(t *testing.T) {
	call := models.ToolCall{ID: "c9", Name: "bash"}
	events := []*models.ThreadEvent{
		messageEvent(models.EventUserMessage, "run it"),
		{Type: models.EventToolCall, Data: models.MarshalToolCallData(call)},
	}
	messages := BuildMessages(events)
	if len(messages) != 2 || messages[1].Role != providers.RoleAssistant {
		t.Fatalf("messages = %+v", messages)
	}
	if len(messages[1].ToolCalls) != 1 {
		t.Errorf("orphan tool call should get a synthetic assistant message")
	}
}

func TestMessageTexts(t *testing.T) {
	messages := []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
		{Role: providers.RoleAssistant, ToolCalls: []models.ToolCall{{Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)}}},
		{Role: providers.RoleUser, ToolResults: []models.ToolResult{models.TextResult("c", "out")}},
	}
	texts := messageTexts(messages)
	if len(texts) != 4 {
		t.Errorf("texts = %v", texts)
	}
}

func TestEmitterSequencesEvents(t *testing.T) {
	e := NewEmitter("lace_20250101_zzzzzz")
	var got []models.AgentEvent
	unsubscribe := e.Subscribe(func(event models.AgentEvent) { got = append(got, event) })

	e.Emit(models.AgentEvent{Type: models.AgentEventTurnStart})
	e.Emit(models.AgentEvent{Type: models.AgentEventTurnComplete})
	unsubscribe()
	e.Emit(models.AgentEvent{Type: models.AgentEventTurnStart})

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d", got[0].Sequence, got[1].Sequence)
	}
	if got[0].ThreadID != "lace_20250101_zzzzzz" {
		t.Errorf("thread id = %s", got[0].ThreadID)
	}
	if got[0].Time.IsZero() {
		t.Error("time should be stamped")
	}
}
