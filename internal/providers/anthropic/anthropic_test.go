package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without api key")
	}
	p, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "anthropic" || p.DefaultModel() == "" || !p.SupportsStreaming() {
		t.Errorf("provider identity: name=%q model=%q", p.Name(), p.DefaultModel())
	}
}

func TestConvertMessages(t *testing.T) {
	messages := []providers.Message{
		{Role: providers.RoleUser, Content: "read the file"},
		{
			Role:    providers.RoleAssistant,
			Content: "on it",
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "file_read", Input: json.RawMessage(`{"path":"a.txt"}`)},
			},
		},
		{
			Role: providers.RoleUser,
			ToolResults: []models.ToolResult{
				models.TextResult("c1", "contents"),
			},
		},
		{Role: providers.RoleUser}, // empty, dropped
	}

	converted, err := convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 3 {
		t.Fatalf("got %d messages, want 3", len(converted))
	}
	if string(converted[0].Role) != "user" || string(converted[1].Role) != "assistant" {
		t.Errorf("roles = %s, %s", converted[0].Role, converted[1].Role)
	}
	if len(converted[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want text + tool_use", len(converted[1].Content))
	}
}

func TestConvertMessagesRejectsBadToolInput(t *testing.T) {
	messages := []providers.Message{{
		Role: providers.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "shell", Input: json.RawMessage(`{broken`)},
		},
	}}
	if _, err := convertMessages(messages); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestConvertTools(t *testing.T) {
	tools := []providers.ToolDefinition{{
		Name:        "file_read",
		Description: "Read a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}
	converted, err := convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(converted) != 1 || converted[0].OfTool == nil {
		t.Fatalf("converted = %+v", converted)
	}
	if converted[0].OfTool.Name != "file_read" {
		t.Errorf("name = %q", converted[0].OfTool.Name)
	}

	if _, err := convertTools([]providers.ToolDefinition{{Name: "bad", InputSchema: json.RawMessage(`nope`)}}); err == nil {
		t.Error("expected error for unparseable schema")
	}
}

func TestCountTokens(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.SetSystemPrompt("You are terse.")

	messages := []providers.Message{
		{Role: providers.RoleUser, Content: "aaaa bbbb cccc dddd"},
	}
	count := p.CountTokens(messages, nil)
	if count <= 0 {
		t.Errorf("CountTokens = %d, want > 0", count)
	}
}
