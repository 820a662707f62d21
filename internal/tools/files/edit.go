package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

// EditTool replaces an exact text span in a workspace file.
type EditTool struct {
	root string
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{root: cfg.Workspace}
}

func (t *EditTool) Name() string { return "file_edit" }

func (t *EditTool) Description() string {
	return "Replace an exact text match in a file. The old text must appear exactly once unless replace_all is set."
}

func (t *EditTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to edit (relative to workspace)."},
			"old_text": {"type": "string", "description": "Exact text to replace."},
			"new_text": {"type": "string", "description": "Replacement text."},
			"replace_all": {"type": "boolean", "description": "Replace every occurrence (default: false)."}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditTool) Annotations() models.ToolAnnotations {
	return models.ToolAnnotations{DestructiveHint: true}
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage, tc tools.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.OldText == "" {
		return errResult("old_text is required"), nil
	}
	if input.OldText == input.NewText {
		return errResult("old_text and new_text are identical"), nil
	}

	resolved, err := resolveFor(t.root, tc.WorkingDir, input.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return errResult(fmt.Sprintf("read file: %v", err)), nil
	}
	content := string(data)

	count := strings.Count(content, input.OldText)
	switch {
	case count == 0:
		return errResult("old_text not found in file"), nil
	case count > 1 && !input.ReplaceAll:
		return errResult(fmt.Sprintf("old_text appears %d times; pass replace_all or provide more context", count)), nil
	}

	updated := strings.Replace(content, input.OldText, input.NewText, -1)
	if !input.ReplaceAll {
		updated = strings.Replace(content, input.OldText, input.NewText, 1)
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return errResult(fmt.Sprintf("write file: %v", err)), nil
	}

	replaced := 1
	if input.ReplaceAll {
		replaced = count
	}
	return &models.ToolResult{Content: []models.ContentBlock{
		models.TextBlock(fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, input.Path)),
	}}, nil
}
