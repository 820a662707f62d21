// Package approval decides whether a tool call may run. A deterministic
// policy layer is consulted first; only when it has no opinion does the
// interactive callback reach the user.
package approval

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lacehq/lace/pkg/models"
)

// Decision is the outcome of an approval check.
type Decision string

const (
	// DecisionAllowOnce permits this single call. Never cached.
	DecisionAllowOnce Decision = "allow_once"

	// DecisionAllowSession permits the tool for the rest of the session.
	DecisionAllowSession Decision = "allow_session"

	// DecisionDeny blocks the call. Never cached.
	DecisionDeny Decision = "deny"
)

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAllowSession
}

// Policy is a deterministic rule snapshot evaluated before any prompting.
type Policy struct {
	// DisableAllTools denies everything except safeInternal tools.
	DisableAllTools bool `yaml:"disableAllTools" json:"disableAllTools"`

	// DisableTools denies the named tools.
	DisableTools []string `yaml:"disableTools" json:"disableTools"`

	// AutoApproveTools allows the named tools without prompting.
	AutoApproveTools []string `yaml:"autoApproveTools" json:"autoApproveTools"`

	// AllowNonDestructive allows read-only tools that do not reach
	// outside the workspace.
	AllowNonDestructive bool `yaml:"allowNonDestructive" json:"allowNonDestructive"`

	// DisableAllGuardrails allows everything not explicitly disabled.
	DisableAllGuardrails bool `yaml:"disableAllGuardrails" json:"disableAllGuardrails"`
}

// Callback prompts the user for a decision on a tool call.
type Callback func(ctx context.Context, toolName string, args json.RawMessage) Decision

// Manager evaluates the precedence chain and caches allow_session grants.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	callback Callback
	session  map[string]bool
}

// NewManager creates a manager. callback may be nil; without one, anything
// that reaches the interactive step is denied.
func NewManager(policy Policy, callback Callback) *Manager {
	return &Manager{
		policy:   policy,
		callback: callback,
		session:  make(map[string]bool),
	}
}

// SetPolicy swaps the policy snapshot. The session cache survives; denial
// rules are re-evaluated before the cache on every call, so a newly
// disabled tool stays blocked.
func (m *Manager) SetPolicy(policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
}

// ClearSession drops all cached allow_session grants.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = make(map[string]bool)
}

// Decide evaluates the precedence chain, first match wins:
// safeInternal, disableAllTools, disableTools, disableAllGuardrails,
// autoApproveTools, allowNonDestructive, session cache, callback.
func (m *Manager) Decide(ctx context.Context, toolName string, args json.RawMessage, annotations models.ToolAnnotations) Decision {
	m.mu.Lock()
	policy := m.policy
	cached := m.session[toolName]
	callback := m.callback
	m.mu.Unlock()

	if annotations.SafeInternal {
		return DecisionAllowOnce
	}
	if policy.DisableAllTools {
		return DecisionDeny
	}
	for _, name := range policy.DisableTools {
		if name == toolName {
			return DecisionDeny
		}
	}
	if policy.DisableAllGuardrails {
		return DecisionAllowOnce
	}
	for _, name := range policy.AutoApproveTools {
		if name == toolName {
			return DecisionAllowOnce
		}
	}
	if policy.AllowNonDestructive && annotations.ReadOnlyHint && !annotations.OpenWorldHint {
		return DecisionAllowOnce
	}
	if cached {
		return DecisionAllowSession
	}
	if callback == nil {
		return DecisionDeny
	}

	decision := callback(ctx, toolName, args)
	if decision == DecisionAllowSession {
		m.mu.Lock()
		m.session[toolName] = true
		m.mu.Unlock()
	}
	return decision
}
