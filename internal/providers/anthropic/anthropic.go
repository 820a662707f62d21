// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192

	// maxEmptyStreamEvents aborts streams that produce nothing useful.
	maxEmptyStreamEvents = 100
)

// Config holds connection settings.
type Config struct {
	// APIKey from https://console.anthropic.com/.
	APIKey string
	// BaseURL overrides the API endpoint. Empty uses the default.
	BaseURL string
	// Model used when the caller does not pick one.
	Model string
	// MaxTokens caps each completion. Zero uses the default.
	MaxTokens int
}

// Provider implements providers.Provider over the Anthropic SDK.
type Provider struct {
	client    anthropicsdk.Client
	model     string
	maxTokens int

	mu           sync.RWMutex
	systemPrompt string
}

// New creates an Anthropic provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	model := config.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		client:    anthropicsdk.NewClient(options...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *Provider) Name() string            { return "anthropic" }
func (p *Provider) DefaultModel() string    { return p.model }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) SetSystemPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.systemPrompt = prompt
}

// CountTokens estimates with ~4 characters per token; Claude's tokenizer is
// within 10-20% of this for English text.
func (p *Provider) CountTokens(messages []providers.Message, tools []providers.ToolDefinition) int {
	total := 0
	p.mu.RLock()
	total += len(p.systemPrompt) / 4
	p.mu.RUnlock()
	for _, msg := range messages {
		total += len(msg.Content)/4 + len(msg.Role)/4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name)/4 + len(tc.Input)/4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Text()) / 4
		}
	}
	for _, tool := range tools {
		total += len(tool.Name)/4 + len(tool.Description)/4 + len(tool.InputSchema)/4
	}
	return total
}

// CreateResponse performs a blocking completion. Internally it consumes the
// streaming API so both paths share one event decoder.
func (p *Provider) CreateResponse(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition) (*providers.Response, error) {
	return p.CreateStreamingResponse(ctx, messages, tools, nil)
}

// CreateStreamingResponse streams tokens into sink and returns the final
// assembled response.
func (p *Provider) CreateStreamingResponse(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, sink providers.TokenSink) (*providers.Response, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, &providers.FatalError{Err: err}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	response, err := p.consumeStream(ctx, stream, sink)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}
	return response, nil
}

func (p *Provider) buildParams(messages []providers.Message, tools []providers.ToolDefinition) (anthropicsdk.MessageNewParams, error) {
	system, rest := providers.SplitSystem(messages)
	p.mu.RLock()
	if p.systemPrompt != "" {
		if system != "" {
			system = p.systemPrompt + "\n\n" + system
		} else {
			system = p.systemPrompt
		}
	}
	p.mu.RUnlock()

	converted, err := convertMessages(rest)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.model),
		Messages:  converted,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools, err = convertTools(tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
	}
	return params, nil
}

func (p *Provider) consumeStream(ctx context.Context, stream *ssestream.Stream[anthropicsdk.MessageStreamEventUnion], sink providers.TokenSink) (*providers.Response, error) {
	var content strings.Builder
	var toolCalls []models.ToolCall
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	usage := &models.Usage{}
	stopReason := ""
	emptyEventCount := 0

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
			eventProcessed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if sink != nil {
						sink(delta.Text)
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				toolCalls = append(toolCalls, *currentToolCall)
				currentToolCall = nil
			}
			eventProcessed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			eventProcessed = true

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return &providers.Response{
				Content:    content.String(),
				ToolCalls:  toolCalls,
				Usage:      usage,
				StopReason: stopReason,
			}, nil
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				return nil, fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream ended without message_stop")
}

// wrapError maps SDK failures onto the transient/fatal taxonomy.
func (p *Provider) wrapError(ctx context.Context, err error) error {
	if providers.IsCancelled(err) || ctx.Err() != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(apiErr.StatusCode, err)
	}
	return providers.ClassifyStatus(0, err)
}

func convertMessages(messages []providers.Message) ([]anthropicsdk.MessageParam, error) {
	var result []anthropicsdk.MessageParam
	for _, msg := range messages {
		var content []anthropicsdk.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropicsdk.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropicsdk.NewToolResultBlock(tr.ID, tr.Text(), tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s has invalid input: %w", tc.ID, err)
				}
			} else {
				input = map[string]any{}
			}
			content = append(content, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		switch msg.Role {
		case providers.RoleAssistant:
			result = append(result, anthropicsdk.NewAssistantMessage(content...))
		default:
			result = append(result, anthropicsdk.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []providers.ToolDefinition) ([]anthropicsdk.ToolUnionParam, error) {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropicsdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropicsdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropicsdk.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
