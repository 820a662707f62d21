package tools

import (
	"context"
	"encoding/json"

	"github.com/lacehq/lace/pkg/models"
)

// FuncTool wraps a function as a Tool. Used heavily in tests and for small
// built-in tools.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Hints           models.ToolAnnotations
	Fn              func(ctx context.Context, args json.RawMessage, tc ToolContext) (*models.ToolResult, error)
}

func (t *FuncTool) Name() string                        { return t.ToolName }
func (t *FuncTool) Description() string                 { return t.ToolDescription }
func (t *FuncTool) InputSchema() json.RawMessage        { return t.Schema }
func (t *FuncTool) Annotations() models.ToolAnnotations { return t.Hints }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage, tc ToolContext) (*models.ToolResult, error) {
	return t.Fn(ctx, args, tc)
}
