package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/lacehq/lace/internal/approval"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/pkg/models"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`)

func echoTool(executed *bool) *FuncTool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "Echo the input text",
		Schema:          echoSchema,
		Fn: func(ctx context.Context, args json.RawMessage, tc ToolContext) (*models.ToolResult, error) {
			if executed != nil {
				*executed = true
			}
			var input struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			result := models.TextResult("", input.Text)
			return &result, nil
		},
	}
}

func allowAll(context.Context, string, json.RawMessage) approval.Decision {
	return approval.DecisionAllowOnce
}

func newExecutor(t *testing.T, tool Tool, callback approval.Callback) *Executor {
	t.Helper()
	registry := NewRegistry()
	if tool != nil {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewExecutor(registry, approval.NewManager(approval.Policy{}, callback), observability.NopLogger(), nil, nil)
}

func TestExecuteCallSuccess(t *testing.T) {
	executor := newExecutor(t, echoTool(nil), allowAll)

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`),
	}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if result.IsError || result.Text() != "hi" || result.ID != "c1" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCallUnknownTool(t *testing.T) {
	approvalCalled := false
	executor := newExecutor(t, nil, func(context.Context, string, json.RawMessage) approval.Decision {
		approvalCalled = true
		return approval.DecisionAllowOnce
	})

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{
		ID: "c1", Name: "missing",
	}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Text(), "unknown tool") {
		t.Errorf("result = %+v", result)
	}
	if approvalCalled {
		t.Error("approval must not run for unknown tools")
	}
}

func TestExecuteCallValidationFailure(t *testing.T) {
	executed := false
	approvalCalled := false
	executor := newExecutor(t, echoTool(&executed), func(context.Context, string, json.RawMessage) approval.Decision {
		approvalCalled = true
		return approval.DecisionAllowOnce
	})

	tests := []struct {
		name  string
		input json.RawMessage
	}{
		{"missing required field", json.RawMessage(`{}`)},
		{"wrong type", json.RawMessage(`{"text":42}`)},
		{"extra property", json.RawMessage(`{"text":"x","other":1}`)},
		{"malformed json", json.RawMessage(`{`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := executor.ExecuteCall(context.Background(), models.ToolCall{
				ID: "c1", Name: "echo", Input: tt.input,
			}, ToolContext{})
			if err != nil {
				t.Fatalf("ExecuteCall: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected error result, got %+v", result)
			}
		})
	}
	if executed {
		t.Error("tool must not run on validation failure")
	}
	if approvalCalled {
		t.Error("approval must not run on validation failure")
	}
}

func TestExecuteCallDenied(t *testing.T) {
	executed := false
	executor := newExecutor(t, echoTool(&executed), func(context.Context, string, json.RawMessage) approval.Decision {
		return approval.DecisionDeny
	})

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`),
	}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Text(), "denied") {
		t.Errorf("result = %+v", result)
	}
	if executed {
		t.Error("denied tool must not run")
	}
}

func TestExecuteCallSafeInternalSkipsApproval(t *testing.T) {
	tool := &FuncTool{
		ToolName: "internal_note",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Hints:    models.ToolAnnotations{SafeInternal: true},
		Fn: func(context.Context, json.RawMessage, ToolContext) (*models.ToolResult, error) {
			result := models.TextResult("", "ok")
			return &result, nil
		},
	}
	executor := newExecutor(t, tool, func(context.Context, string, json.RawMessage) approval.Decision {
		t.Error("callback must not run for safeInternal tools")
		return approval.DecisionDeny
	})

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{ID: "c1", Name: "internal_note"}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if result.IsError {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCallToolError(t *testing.T) {
	tool := &FuncTool{
		ToolName: "broken",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, json.RawMessage, ToolContext) (*models.ToolResult, error) {
			return nil, errors.New("disk on fire")
		},
	}
	executor := newExecutor(t, tool, allowAll)

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{ID: "c1", Name: "broken"}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Text(), "disk on fire") {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCallNilResultBecomesError(t *testing.T) {
	tool := &FuncTool{
		ToolName: "quiet",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, json.RawMessage, ToolContext) (*models.ToolResult, error) {
			return nil, nil
		},
	}
	executor := newExecutor(t, tool, allowAll)

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{ID: "c1", Name: "quiet"}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if result == nil || !result.IsError || !strings.Contains(result.Text(), "no result") {
		t.Errorf("result = %+v", result)
	}
	if result != nil && result.ID != "c1" {
		t.Errorf("result ID = %q, want c1", result.ID)
	}
}

func TestExecuteCallPanicBecomesErrorResult(t *testing.T) {
	tool := &FuncTool{
		ToolName: "panicky",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, json.RawMessage, ToolContext) (*models.ToolResult, error) {
			panic("boom")
		},
	}
	executor := newExecutor(t, tool, allowAll)

	result, err := executor.ExecuteCall(context.Background(), models.ToolCall{ID: "c1", Name: "panicky"}, ToolContext{})
	if err != nil {
		t.Fatalf("ExecuteCall: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Text(), "panic") {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCallCancelled(t *testing.T) {
	executor := newExecutor(t, echoTool(nil), allowAll)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := executor.ExecuteCall(ctx, models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`),
	}, ToolContext{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result != nil {
		t.Errorf("no result expected for cancelled call, got %+v", result)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	readOnly := &FuncTool{ToolName: "file_read", Hints: models.ToolAnnotations{ReadOnlyHint: true}}
	if err := registry.Register(readOnly); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(&FuncTool{ToolName: "shell"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := registry.Register(&FuncTool{ToolName: "shell"}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := registry.Register(&FuncTool{}); err == nil {
		t.Error("unnamed tool should fail")
	}

	all := registry.All()
	if len(all) != 2 || all[0].Name() != "file_read" || all[1].Name() != "shell" {
		t.Errorf("All() = %v", all)
	}
	ro := registry.ReadOnly()
	if len(ro) != 1 || ro[0].Name() != "file_read" {
		t.Errorf("ReadOnly() = %v", ro)
	}
}
