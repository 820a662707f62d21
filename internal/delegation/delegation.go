// Package delegation spawns child agents on child threads and correlates
// their results back to the parent tool call.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/pkg/models"
)

// DefaultMaxDepth bounds delegation nesting. A child at the limit gets a
// tool registry without delegate, so recursion stops at creation time.
const DefaultMaxDepth = 3

// ErrDepthExceeded means the parent is already at the nesting limit.
var ErrDepthExceeded = errors.New("delegation depth exceeded")

// ThreadIDMetadataKey is the tool-result metadata key carrying the child
// thread id.
const ThreadIDMetadataKey = "threadId"

// Request is a parsed delegate invocation.
type Request struct {
	// Task is the child's instruction.
	Task string

	// Provider and Model override the parent's; empty inherits.
	Provider string
	Model    string
}

// AgentFactory builds a child agent bound to childID. allowDelegate reports
// whether the child may itself delegate; factories honor it by omitting the
// delegate tool from the child's registry.
type AgentFactory func(ctx context.Context, childID threads.ID, req Request, allowDelegate bool) (*agent.Agent, error)

// Manager creates child threads and runs delegated tasks to completion.
type Manager struct {
	store    threads.Store
	factory  AgentFactory
	logger   *observability.Logger
	maxDepth int

	mu        sync.Mutex
	nextChild map[threads.ID]int
}

// NewManager creates a delegation manager. maxDepth <= 0 uses the default.
func NewManager(store threads.Store, factory AgentFactory, logger *observability.Logger, maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Manager{
		store:     store,
		factory:   factory,
		logger:    logger,
		maxDepth:  maxDepth,
		nextChild: map[threads.ID]int{},
	}
}

// NextChildID reserves the next child index for parent, consulting the store
// for children created by earlier runs.
func (m *Manager) NextChildID(ctx context.Context, parent threads.ID) (threads.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.nextChild[parent]
	if !ok {
		infos, err := m.store.ListThreads(ctx)
		if err != nil {
			return "", err
		}
		for _, info := range infos {
			p, isChild := info.ID.Parent()
			if !isChild || p != parent {
				continue
			}
			if n, ok := info.ID.ChildIndex(); ok && n > next {
				next = n
			}
		}
	}
	next++
	m.nextChild[parent] = next
	return parent.Child(next), nil
}

// Delegate runs a delegated task on a fresh child thread and returns the
// parent's tool result. The child's final agent message becomes the result
// content and the child thread id lands in metadata so UIs can attach.
//
// Cancelling ctx cancels the child turn; the error propagates so the parent
// records no result for the call.
func (m *Manager) Delegate(ctx context.Context, parent threads.ID, req Request) (*models.ToolResult, error) {
	if parent.Depth() >= m.maxDepth {
		return nil, ErrDepthExceeded
	}

	childID, err := m.NextChildID(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("reserve child thread: %w", err)
	}

	allowDelegate := childID.Depth() < m.maxDepth
	child, err := m.factory(ctx, childID, req, allowDelegate)
	if err != nil {
		return nil, fmt.Errorf("create child agent: %w", err)
	}
	defer child.Stop()

	m.logger.Info(ctx, "delegating task",
		"parent", parent.String(), "child", childID.String())

	if err := child.SendMessage(ctx, req.Task); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := m.finalMessage(ctx, childID)
	if err != nil {
		return nil, err
	}
	return &models.ToolResult{
		Content:  []models.ContentBlock{models.TextBlock(content)},
		Metadata: map[string]any{ThreadIDMetadataKey: childID.String()},
	}, nil
}

// finalMessage returns the child's last agent message, or an explanation
// when the child produced none.
func (m *Manager) finalMessage(ctx context.Context, childID threads.ID) (string, error) {
	events, err := m.store.GetEvents(ctx, childID)
	if err != nil {
		return "", err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != models.EventAgentMessage {
			continue
		}
		text, err := events[i].MessageText()
		if err != nil {
			return "", err
		}
		return text, nil
	}
	return "delegated agent produced no response", nil
}

var threadTokenPattern = regexp.MustCompile(`Thread:\s*(lace_\d{8}_[a-z0-9]{6}(?:\.[1-9]\d*)*)`)

// correlationWindow is how close in time a child thread's creation must be
// to the tool call for temporal correlation.
const correlationWindow = 5 * time.Second

// CorrelateThread finds the child thread a delegate result belongs to.
// Precedence: explicit metadata, then a "Thread: <id>" token in the result
// text, then a child of parent created near callTime.
func CorrelateThread(result *models.ToolResult, parent threads.ID, callTime time.Time, known []*threads.Info) (threads.ID, bool) {
	if result != nil {
		if raw, ok := result.Metadata[ThreadIDMetadataKey]; ok {
			if s, ok := raw.(string); ok {
				if id, err := threads.ParseID(s); err == nil {
					return id, true
				}
			}
		}
		if match := threadTokenPattern.FindStringSubmatch(result.Text()); match != nil {
			if id, err := threads.ParseID(match[1]); err == nil {
				return id, true
			}
		}
	}

	var best threads.ID
	var bestDelta time.Duration
	found := false
	for _, info := range known {
		if p, isChild := info.ID.Parent(); !isChild || p != parent {
			continue
		}
		delta := info.CreatedAt.Sub(callTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > correlationWindow {
			continue
		}
		if !found || delta < bestDelta {
			best, bestDelta, found = info.ID, delta, true
		}
	}
	return best, found
}
