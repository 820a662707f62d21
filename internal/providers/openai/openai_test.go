package openai

import (
	"encoding/json"
	"testing"

	openaisdk "github.com/sashabaranov/go-openai"

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
	if p.Name() != "openai" || p.DefaultModel() == "" {
		t.Errorf("provider identity: name=%q model=%q", p.Name(), p.DefaultModel())
	}
}

func TestConvertMessages(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.SetSystemPrompt("You are terse.")

	messages := []providers.Message{
		{Role: providers.RoleSystem, Content: "Extra instructions."},
		{Role: providers.RoleUser, Content: "list files"},
		{
			Role: providers.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "shell", Input: json.RawMessage(`{"command":"ls"}`)},
			},
		},
		{
			Role:        providers.RoleUser,
			ToolResults: []models.ToolResult{models.TextResult("c1", "a.txt\nb.txt")},
		},
	}

	converted := p.convertMessages(messages)
	if len(converted) != 4 {
		t.Fatalf("got %d messages, want 4", len(converted))
	}
	if converted[0].Role != openaisdk.ChatMessageRoleSystem {
		t.Errorf("first role = %q, want system", converted[0].Role)
	}
	if converted[0].Content != "You are terse.\n\nExtra instructions." {
		t.Errorf("system content = %q", converted[0].Content)
	}
	if converted[2].Role != openaisdk.ChatMessageRoleAssistant || len(converted[2].ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", converted[2])
	}
	if converted[3].Role != openaisdk.ChatMessageRoleTool || converted[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", converted[3])
	}
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]providers.ToolDefinition{{
		Name:        "shell",
		Description: "Run a command",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}})
	if len(tools) != 1 || tools[0].Function.Name != "shell" || tools[0].Type != openaisdk.ToolTypeFunction {
		t.Errorf("tools = %+v", tools)
	}
}

func TestBuildRequestStreamingIncludesUsage(t *testing.T) {
	p, err := New(Config{APIKey: "test-key", MaxTokens: 512})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	request := p.buildRequest(nil, nil, true)
	if !request.Stream || request.StreamOptions == nil || !request.StreamOptions.IncludeUsage {
		t.Errorf("streaming request = %+v", request)
	}
	if request.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d", request.MaxTokens)
	}
}
