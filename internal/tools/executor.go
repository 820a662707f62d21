package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/lacehq/lace/internal/approval"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

// Executor runs tool calls through lookup, schema validation, approval, and
// execution. Every failure mode becomes an error ToolResult so the provider
// is told what went wrong; only cancellation surfaces as a Go error.
type Executor struct {
	registry *Registry
	approver *approval.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewExecutor creates an executor. metrics and tracer may be nil.
func NewExecutor(registry *Registry, approver *approval.Manager, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	return &Executor{
		registry: registry,
		approver: approver,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Registry returns the underlying tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Definitions returns provider-facing definitions for all registered tools.
func (e *Executor) Definitions() []providers.ToolDefinition {
	all := e.registry.All()
	defs := make([]providers.ToolDefinition, 0, len(all))
	for _, tool := range all {
		defs = append(defs, providers.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return defs
}

// ExecuteCall runs one tool call. The returned error is non-nil only when
// the call was cancelled before producing a result; in that case no result
// must be recorded.
//
// Unknown-tool and validation failures never invoke the tool or the
// approval callback. Denials never invoke the tool.
func (e *Executor) ExecuteCall(ctx context.Context, call models.ToolCall, tc ToolContext) (*models.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.count(call.Name, "error")
		return errorResult(call.ID, "unknown tool: %s", call.Name), nil
	}

	if err := ValidateArgs(tool.InputSchema(), call.Input); err != nil {
		e.count(call.Name, "error")
		return errorResult(call.ID, "invalid arguments for %s: %v", call.Name, err), nil
	}

	decision := e.approver.Decide(ctx, call.Name, call.Input, tool.Annotations())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		e.logger.Info(ctx, "tool call denied", "tool", call.Name, "call_id", call.ID)
		e.count(call.Name, "denied")
		return errorResult(call.ID, "tool %s denied by approval policy", call.Name), nil
	}

	if e.tracer != nil {
		spanCtx, span := e.tracer.StartToolExecution(ctx, call.Name, call.ID)
		defer span.End()
		ctx = spanCtx
	}

	started := time.Now()
	result, err := e.invoke(ctx, tool, call, tc)
	elapsed := time.Since(started)

	if e.metrics != nil {
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	}

	if err != nil {
		if providers.IsCancelled(err) || ctx.Err() != nil {
			if result != nil {
				// Tool produced a result before noticing cancellation;
				// record it rather than dropping work.
				return result, nil
			}
			return nil, err
		}
		e.count(call.Name, "error")
		return errorResult(call.ID, "tool %s failed: %v", call.Name, err), nil
	}
	if result == nil {
		e.count(call.Name, "error")
		return errorResult(call.ID, "tool %s returned no result", call.Name), nil
	}

	result.ID = call.ID
	if result.IsError {
		e.count(call.Name, "error")
	} else {
		e.count(call.Name, "success")
	}
	e.logger.Debug(ctx, "tool executed",
		"tool", call.Name, "call_id", call.ID, "is_error", result.IsError, "elapsed", elapsed.String())
	return result, nil
}

// invoke calls the tool with panic recovery. A panicking tool becomes an
// error result, not a crashed agent.
func (e *Executor) invoke(ctx context.Context, tool Tool, call models.ToolCall, tc ToolContext) (result *models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, call.Input, tc)
}

func errorResult(callID, format string, args ...any) *models.ToolResult {
	result := models.ErrorResult(callID, fmt.Sprintf(format, args...))
	return &result
}

func (e *Executor) count(tool, status string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	}
}
