// Package openai adapts the OpenAI Chat Completions API to the provider
// contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/pkg/models"
)

const defaultModel = "gpt-4o"

// Config holds connection settings.
type Config struct {
	// APIKey from https://platform.openai.com/.
	APIKey string
	// BaseURL overrides the API endpoint (Azure, proxies).
	BaseURL string
	// Model used when the caller does not pick one.
	Model string
	// MaxTokens caps each completion. Zero leaves it to the API.
	MaxTokens int
}

// Provider implements providers.Provider over go-openai.
type Provider struct {
	client    *openaisdk.Client
	model     string
	maxTokens int

	mu           sync.RWMutex
	systemPrompt string
}

// New creates an OpenAI provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientConfig := openaisdk.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	model := config.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{
		client:    openaisdk.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: config.MaxTokens,
	}, nil
}

func (p *Provider) Name() string            { return "openai" }
func (p *Provider) DefaultModel() string    { return p.model }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) SetSystemPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.systemPrompt = prompt
}

// CountTokens estimates with ~4 characters per token.
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

// CreateResponse performs a blocking completion.
func (p *Provider) CreateResponse(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition) (*providers.Response, error) {
	request := p.buildRequest(messages, tools, false)

	response, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}
	if len(response.Choices) == 0 {
		return nil, &providers.FatalError{Err: errors.New("openai: response has no choices")}
	}

	choice := response.Choices[0]
	result := &providers.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: &models.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

// CreateStreamingResponse streams tokens into sink and returns the final
// assembled response. Tool call fragments are accumulated across chunks by
// index until the stream finishes.
func (p *Provider) CreateStreamingResponse(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, sink providers.TokenSink) (*providers.Response, error) {
	request := p.buildRequest(messages, tools, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}
	defer stream.Close()

	var content strings.Builder
	toolCalls := make(map[int]*models.ToolCall)
	var order []int
	usage := &models.Usage{}
	stopReason := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrapError(ctx, err)
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if sink != nil {
				sink(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(string(toolCalls[index].Input) + tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
	}

	response := &providers.Response{
		Content:    content.String(),
		Usage:      usage,
		StopReason: stopReason,
	}
	for _, index := range order {
		tc := toolCalls[index]
		if tc.ID == "" || tc.Name == "" {
			continue
		}
		if len(tc.Input) == 0 {
			tc.Input = json.RawMessage("{}")
		}
		response.ToolCalls = append(response.ToolCalls, *tc)
	}
	return response, nil
}

func (p *Provider) buildRequest(messages []providers.Message, tools []providers.ToolDefinition, streaming bool) openaisdk.ChatCompletionRequest {
	request := openaisdk.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(messages),
		Stream:   streaming,
	}
	if streaming {
		request.StreamOptions = &openaisdk.StreamOptions{IncludeUsage: true}
	}
	if p.maxTokens > 0 {
		request.MaxTokens = p.maxTokens
	}
	if len(tools) > 0 {
		request.Tools = convertTools(tools)
	}
	return request
}

// convertMessages translates to the chat format: the system prompt becomes
// the first message, and each tool result becomes its own "tool" message.
func (p *Provider) convertMessages(messages []providers.Message) []openaisdk.ChatCompletionMessage {
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

	result := make([]openaisdk.ChatCompletionMessage, 0, len(rest)+1)
	if system != "" {
		result = append(result, openaisdk.ChatCompletionMessage{
			Role:    openaisdk.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range rest {
		role := openaisdk.ChatMessageRoleUser
		if msg.Role == providers.RoleAssistant {
			role = openaisdk.ChatMessageRoleAssistant
		}

		converted := openaisdk.ChatCompletionMessage{Role: role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openaisdk.ToolCall{
				ID:   tc.ID,
				Type: openaisdk.ToolTypeFunction,
				Function: openaisdk.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		if converted.Content != "" || len(converted.ToolCalls) > 0 {
			result = append(result, converted)
		}

		for _, tr := range msg.ToolResults {
			result = append(result, openaisdk.ChatCompletionMessage{
				Role:       openaisdk.ChatMessageRoleTool,
				Content:    tr.Text(),
				ToolCallID: tr.ID,
			})
		}
	}
	return result
}

func convertTools(tools []providers.ToolDefinition) []openaisdk.Tool {
	result := make([]openaisdk.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.InputSchema),
			},
		})
	}
	return result
}

// wrapError maps SDK failures onto the transient/fatal taxonomy.
func (p *Provider) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if providers.IsCancelled(err) {
		return err
	}
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(apiErr.HTTPStatusCode, err)
	}
	return providers.ClassifyStatus(0, err)
}
