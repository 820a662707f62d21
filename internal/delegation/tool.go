package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

// ToolName is the reserved tool the model calls to delegate work.
const ToolName = "delegate"

var delegateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "Instruction for the sub-agent."},
		"prompt": {"type": "string", "description": "Alias for task."},
		"provider": {"type": "string", "description": "Provider override; inherits the parent's when omitted."},
		"model": {"type": "string", "description": "Model override; inherits the parent's when omitted."}
	},
	"anyOf": [
		{"required": ["task"]},
		{"required": ["prompt"]}
	],
	"additionalProperties": false
}`)

type delegateArgs struct {
	Task     string `json:"task"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Tool exposes delegation to the model through the standard tool contract.
type Tool struct {
	manager *Manager
}

// NewTool wraps a manager as a registrable tool.
func NewTool(manager *Manager) *Tool {
	return &Tool{manager: manager}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Delegate a well-scoped task to a sub-agent running on its own thread. " +
		"Use it for work that is independent of the current conversation."
}

func (t *Tool) InputSchema() json.RawMessage { return delegateSchema }

func (t *Tool) Annotations() models.ToolAnnotations {
	return models.ToolAnnotations{SafeInternal: true}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tc tools.ToolContext) (*models.ToolResult, error) {
	var parsed delegateArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return &models.ToolResult{
			Content: []models.ContentBlock{models.TextBlock(fmt.Sprintf("bad delegate arguments: %v", err))},
			IsError: true,
		}, nil
	}
	task := strings.TrimSpace(parsed.Task)
	if task == "" {
		task = strings.TrimSpace(parsed.Prompt)
	}
	if task == "" {
		return &models.ToolResult{
			Content: []models.ContentBlock{models.TextBlock("delegate requires a task")},
			IsError: true,
		}, nil
	}

	parent, err := threads.ParseID(tc.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("delegate outside a thread: %w", err)
	}

	result, err := t.manager.Delegate(ctx, parent, Request{
		Task:     task,
		Provider: parsed.Provider,
		Model:    parsed.Model,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.ToolResult{
			Content: []models.ContentBlock{models.TextBlock(fmt.Sprintf("delegation failed: %v", err))},
			IsError: true,
		}, nil
	}
	return result, nil
}
