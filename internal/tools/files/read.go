package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

// ReadTool reads files within the workspace with a byte limit.
type ReadTool struct {
	root       string
	maxReadLen int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadTool{root: cfg.Workspace, maxReadLen: limit}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file (relative to workspace)."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from (default: 0)."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to read (capped by tool default)."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadTool) Annotations() models.ToolAnnotations {
	return models.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage, tc tools.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := resolveFor(t.root, tc.WorkingDir, input.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errResult(fmt.Sprintf("stat file: %v", err)), nil
	}
	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return errResult(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return errResult(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(buf)
	if input.Offset+int64(len(buf)) < info.Size() {
		content += fmt.Sprintf("\n[truncated: %d of %d bytes]", len(buf), info.Size())
	}
	return &models.ToolResult{Content: []models.ContentBlock{models.TextBlock(content)}}, nil
}

func errResult(message string) *models.ToolResult {
	return &models.ToolResult{
		Content: []models.ContentBlock{models.TextBlock(message)},
		IsError: true,
	}
}
