// Package prompts loads the system prompt documents from the data
// directory, creating defaults on first run.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	systemPromptFile     = "system-prompt.md"
	userInstructionsFile = "user-instructions.md"
)

const defaultSystemPrompt = `You are a coding assistant working inside the user's repository.
Be concise. Use the available tools to read and change files rather than
guessing. When a task is large, delegate well-scoped subtasks.`

const defaultUserInstructions = `` // intentionally empty; the user fills this in

// Config is the loaded prompt pair. Empty after whitespace-trim equals
// absent.
type Config struct {
	SystemPrompt     string
	UserInstructions string
}

// Load reads both prompt documents from dir, creating missing files with
// defaults.
func Load(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}

	system, err := loadOrCreate(filepath.Join(dir, systemPromptFile), defaultSystemPrompt)
	if err != nil {
		return nil, err
	}
	user, err := loadOrCreate(filepath.Join(dir, userInstructionsFile), defaultUserInstructions)
	if err != nil {
		return nil, err
	}
	return &Config{
		SystemPrompt:     strings.TrimSpace(system),
		UserInstructions: strings.TrimSpace(user),
	}, nil
}

func loadOrCreate(path, fallback string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(fallback), 0o644); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return fallback, nil
}
