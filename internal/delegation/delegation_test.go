package delegation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/approval"
	"github.com/lacehq/lace/internal/backoff"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/pkg/models"
)

func fastRetry() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func openExecutor(t *testing.T, toolSet ...tools.Tool) *tools.Executor {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range toolSet {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}
	approver := approval.NewManager(approval.Policy{DisableAllGuardrails: true}, nil)
	return tools.NewExecutor(registry, approver, observability.NopLogger(), nil, nil)
}

// childFactory builds children that always answer with the scripted text.
func childFactory(t *testing.T, store threads.Store, answer string) AgentFactory {
	return func(ctx context.Context, childID threads.ID, req Request, allowDelegate bool) (*agent.Agent, error) {
		return agent.New(ctx, agent.Options{
			ThreadID:    childID,
			Store:       store,
			Provider:    providers.NewFakeProvider(providers.TextStep(answer, 4, 1)),
			Executor:    openExecutor(t),
			RetryPolicy: fastRetry(),
		})
	}
}

func TestDelegateEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	parentID := threads.NewID(time.Now())

	manager := NewManager(store, childFactory(t, store, "4"), observability.NopLogger(), 0)

	parentProvider := providers.NewFakeProvider(
		providers.ToolCallStep("on it", models.ToolCall{
			ID:    "c1",
			Name:  ToolName,
			Input: json.RawMessage(`{"task":"sum 2+2"}`),
		}),
		providers.TextStep("the answer is 4", 6, 4),
	)
	parent, err := agent.New(ctx, agent.Options{
		ThreadID:    parentID,
		Store:       store,
		Provider:    parentProvider,
		Executor:    openExecutor(t, NewTool(manager)),
		RetryPolicy: fastRetry(),
	})
	if err != nil {
		t.Fatalf("New parent: %v", err)
	}

	if err := parent.SendMessage(ctx, "what is 2+2? delegate it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	childID := parentID.Child(1)
	if _, err := store.GetThread(ctx, childID); err != nil {
		t.Fatalf("child thread %s missing: %v", childID, err)
	}

	events, err := store.GetEvents(ctx, parentID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var result *models.ToolResult
	for _, event := range events {
		if event.Type == models.EventToolResult {
			result, err = event.ToolResult()
			if err != nil {
				t.Fatalf("ToolResult: %v", err)
			}
		}
	}
	if result == nil {
		t.Fatal("parent thread has no tool result")
	}
	if result.ID != "c1" || result.IsError {
		t.Errorf("result = %+v", result)
	}
	if got := result.Text(); got != "4" {
		t.Errorf("result text = %q, want the child's final answer", got)
	}
	if got := result.Metadata[ThreadIDMetadataKey]; got != childID.String() {
		t.Errorf("metadata threadId = %v, want %s", got, childID)
	}
}

func TestNextChildID(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	parent := threads.NewID(time.Now())
	store.CreateThread(ctx, parent, "")

	// A child from an earlier run already exists.
	store.CreateThread(ctx, parent.Child(2), "")

	manager := NewManager(store, nil, nil, 0)
	first, err := manager.NextChildID(ctx, parent)
	if err != nil {
		t.Fatalf("NextChildID: %v", err)
	}
	if first != parent.Child(3) {
		t.Errorf("first = %s, want %s", first, parent.Child(3))
	}
	second, err := manager.NextChildID(ctx, parent)
	if err != nil {
		t.Fatalf("NextChildID: %v", err)
	}
	if second != parent.Child(4) {
		t.Errorf("second = %s, want %s", second, parent.Child(4))
	}
}

func TestDelegateDepthLimit(t *testing.T) {
	ctx := context.Background()
	store := threads.NewMemoryStore()
	parent := threads.NewID(time.Now()).Child(1).Child(2)

	manager := NewManager(store, childFactory(t, store, "x"), nil, 2)
	if _, err := manager.Delegate(ctx, parent, Request{Task: "too deep"}); err != ErrDepthExceeded {
		t.Errorf("Delegate = %v, want ErrDepthExceeded", err)
	}
}

func TestCorrelateThread(t *testing.T) {
	parent := threads.NewID(time.Now())
	child := parent.Child(1)
	now := time.Now()

	tests := []struct {
		name   string
		result *models.ToolResult
		known  []*threads.Info
		want   threads.ID
		found  bool
	}{
		{
			name: "metadata wins",
			result: &models.ToolResult{
				Metadata: map[string]any{ThreadIDMetadataKey: child.String()},
			},
			want:  child,
			found: true,
		},
		{
			name: "thread token in text",
			result: &models.ToolResult{
				Content: []models.ContentBlock{models.TextBlock("Finished. Thread: " + child.String())},
			},
			want:  child,
			found: true,
		},
		{
			name:   "temporal proximity",
			result: &models.ToolResult{},
			known: []*threads.Info{
				{ID: parent.Child(7), CreatedAt: now.Add(time.Second)},
				{ID: parent.Child(8), CreatedAt: now.Add(time.Minute)},
			},
			want:  parent.Child(7),
			found: true,
		},
		{
			name:   "nothing matches",
			result: &models.ToolResult{},
			known: []*threads.Info{
				{ID: parent.Child(9), CreatedAt: now.Add(time.Hour)},
			},
			found: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := CorrelateThread(tt.result, parent, now, tt.known)
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if found && got != tt.want {
				t.Errorf("thread = %s, want %s", got, tt.want)
			}
		})
	}
}
