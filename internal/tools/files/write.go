package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

// WriteTool writes files within the workspace.
type WriteTool struct {
	root string
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{root: cfg.Workspace}
}

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *WriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to write (relative to workspace)."},
			"content": {"type": "string", "description": "File contents to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite (default: false)."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) Annotations() models.ToolAnnotations {
	return models.ToolAnnotations{DestructiveHint: true}
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, tc tools.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := resolveFor(t.root, tc.WorkingDir, input.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errResult(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return errResult(fmt.Sprintf("write file: %v", err)), nil
	}
	return &models.ToolResult{Content: []models.ContentBlock{
		models.TextBlock(fmt.Sprintf("wrote %d bytes to %s", n, input.Path)),
	}}, nil
}
