// Package tools provides the tool contract, registry, schema validation,
// and the approval-gated executor.
package tools

import (
	"context"
	"encoding/json"

	"github.com/lacehq/lace/pkg/models"
)

// ToolContext carries per-call execution state into a tool.
type ToolContext struct {
	// ThreadID of the conversation the call belongs to.
	ThreadID string

	// WorkingDir resolves relative paths in tool arguments.
	WorkingDir string

	// OnProgress, when set, receives human-readable progress notes from
	// long-running tools.
	OnProgress func(note string)
}

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// InputSchema is a JSON Schema for the tool's arguments.
	InputSchema() json.RawMessage

	// Annotations describe the tool's safety characteristics.
	Annotations() models.ToolAnnotations

	// Execute runs the tool. Failures are reported as error results, not
	// Go errors; a non-nil error here means the call machinery itself
	// broke.
	Execute(ctx context.Context, args json.RawMessage, tc ToolContext) (*models.ToolResult, error)
}
