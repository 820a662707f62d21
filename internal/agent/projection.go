package agent

import (
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

// BuildMessages projects thread events into the provider-facing message
// list. The caller is expected to pass the compaction-effective event slice.
//
// Grouping rules: TOOL_CALL events attach to the assistant message that
// preceded them, consecutive TOOL_RESULT events merge into one user message,
// and LOCAL_SYSTEM_MESSAGE events never reach the provider.
func BuildMessages(events []*models.ThreadEvent) []providers.Message {
	messages := make([]providers.Message, 0, len(events))

	lastAssistant := -1
	lastResults := -1
	for _, event := range events {
		switch event.Type {
		case models.EventSystemPrompt, models.EventUserSystemPrompt:
			text, err := event.MessageText()
			if err != nil || text == "" {
				continue
			}
			messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: text})
			lastAssistant, lastResults = -1, -1

		case models.EventUserMessage:
			text, err := event.MessageText()
			if err != nil {
				continue
			}
			messages = append(messages, providers.Message{Role: providers.RoleUser, Content: text})
			lastAssistant, lastResults = -1, -1

		case models.EventAgentMessage:
			text, err := event.MessageText()
			if err != nil {
				continue
			}
			messages = append(messages, providers.Message{Role: providers.RoleAssistant, Content: text})
			lastAssistant, lastResults = len(messages)-1, -1

		case models.EventToolCall:
			call, err := event.ToolCall()
			if err != nil {
				continue
			}
			if lastAssistant < 0 {
				messages = append(messages, providers.Message{Role: providers.RoleAssistant})
				lastAssistant = len(messages) - 1
			}
			messages[lastAssistant].ToolCalls = append(messages[lastAssistant].ToolCalls, *call)
			lastResults = -1

		case models.EventToolResult:
			result, err := event.ToolResult()
			if err != nil {
				continue
			}
			if lastResults < 0 {
				messages = append(messages, providers.Message{Role: providers.RoleUser})
				lastResults = len(messages) - 1
			}
			messages[lastResults].ToolResults = append(messages[lastResults].ToolResults, *result)
			lastAssistant = -1
		}
	}
	return messages
}

// messageTexts flattens the projection for character-based token estimation.
func messageTexts(messages []providers.Message) []string {
	texts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Content != "" {
			texts = append(texts, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			texts = append(texts, call.Name, string(call.Input))
		}
		for _, result := range msg.ToolResults {
			texts = append(texts, result.Text())
		}
	}
	return texts
}
