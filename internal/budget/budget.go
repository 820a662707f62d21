// Package budget tracks token spend for an agent and tells it when the
// context window is getting tight.
package budget

import (
	"fmt"
	"sync"

	"github.com/lacehq/lace/pkg/models"
)

// charsPerToken is the conservative estimate used when the provider has not
// returned real counts yet.
const charsPerToken = 4

// Config bounds a budget. Effective limit = MaxTokens - ReserveTokens.
type Config struct {
	// MaxTokens is the hard context-window size.
	MaxTokens int
	// WarningThreshold in (0,1]; crossing WarningThreshold*MaxTokens
	// makes IsNearLimit true.
	WarningThreshold float64
	// ReserveTokens is headroom kept for the model's completion.
	ReserveTokens int
}

// DefaultConfig returns a budget sized for a 200k-token context window.
func DefaultConfig() Config {
	return Config{
		MaxTokens:        200_000,
		WarningThreshold: 0.8,
		ReserveTokens:    8_192,
	}
}

func (c Config) normalized() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultConfig().MaxTokens
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		c.WarningThreshold = DefaultConfig().WarningThreshold
	}
	if c.ReserveTokens < 0 {
		c.ReserveTokens = 0
	}
	return c
}

func (c Config) effectiveLimit() int {
	limit := c.MaxTokens - c.ReserveTokens
	if limit < 0 {
		return 0
	}
	return limit
}

// Recommendations tells the agent how to get back under budget.
type Recommendations struct {
	ShouldSummarize bool
	ShouldPrune     bool
	// MaxRequestSize is the largest request that still fits.
	MaxRequestSize int
	// Warning is a human-readable note, empty when comfortably under.
	Warning string
}

// Manager is a thread-safe running account of token usage.
type Manager struct {
	mu     sync.Mutex
	config Config

	promptTokens     int
	completionTokens int
}

// NewManager creates a budget with the given config; zero fields fall back
// to defaults.
func NewManager(config Config) *Manager {
	return &Manager{config: config.normalized()}
}

// Record adds a usage report. Negative values are ignored per field.
func (m *Manager) Record(usage models.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if usage.PromptTokens > 0 {
		m.promptTokens += usage.PromptTokens
	}
	if usage.CompletionTokens > 0 {
		m.completionTokens += usage.CompletionTokens
	}
}

// Used returns total tokens recorded so far.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promptTokens + m.completionTokens
}

// Usage returns the split totals.
func (m *Manager) Usage() models.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.Usage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
}

// CanMakeRequest reports whether a request of estimatedTokens still fits
// under the effective limit.
func (m *Manager) CanMakeRequest(estimatedTokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.promptTokens + m.completionTokens
	return used+estimatedTokens <= m.config.effectiveLimit()
}

// IsNearLimit reports whether usage has crossed the warning threshold.
func (m *Manager) IsNearLimit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.promptTokens + m.completionTokens
	return float64(used) >= m.config.WarningThreshold*float64(m.config.MaxTokens)
}

// Estimate approximates the token cost of raw text at about four characters
// per token, rounding up.
func Estimate(texts ...string) int {
	chars := 0
	for _, text := range texts {
		chars += len(text)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// Recommendations describes what the agent should do about current usage.
func (m *Manager) Recommendations() Recommendations {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.promptTokens + m.completionTokens
	limit := m.config.effectiveLimit()

	rec := Recommendations{MaxRequestSize: limit - used}
	if rec.MaxRequestSize < 0 {
		rec.MaxRequestSize = 0
	}

	switch {
	case used >= limit:
		rec.ShouldSummarize = true
		rec.ShouldPrune = true
		rec.Warning = fmt.Sprintf("token budget exhausted: %d of %d used", used, limit)
	case float64(used) >= m.config.WarningThreshold*float64(m.config.MaxTokens):
		rec.ShouldSummarize = true
		rec.Warning = fmt.Sprintf("token budget at %d of %d; consider compacting", used, limit)
	}
	return rec
}

// Reset zeroes the running totals. Configuration is kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = 0
	m.completionTokens = 0
}

// UpdateConfig swaps the budget configuration without touching totals.
func (m *Manager) UpdateConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config.normalized()
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}
