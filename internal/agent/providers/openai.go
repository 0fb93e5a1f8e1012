package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// ChatCompletionClient is the slice of the OpenAI SDK the adapter calls,
// narrowed to an interface so tests can substitute a fake.
type ChatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider runs settled completion turns against the OpenAI Chat
// Completions API. Unlike Anthropic, system content travels inside the
// message array and every tool result is its own role=tool message, which
// matches the transcript shape directly.
type OpenAIProvider struct {
	client    ChatCompletionClient
	model     string
	maxTokens int
	retry     retryPolicy
}

// NewOpenAIProvider builds a provider backed by the real SDK client.
// model falls back to defaultOpenAIModel when empty.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return NewOpenAIProviderWithClient(openai.NewClient(apiKey), model), nil
}

// NewOpenAIProviderWithClient builds a provider over an existing
// ChatCompletionClient. Tests use it to inject fakes.
func NewOpenAIProviderWithClient(client ChatCompletionClient, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:    client,
		model:     model,
		maxTokens: defaultMaxTokens,
		retry:     defaultRetryPolicy(),
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends one chat completion request and translates the first
// choice into text and tool calls.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq, err := p.encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	var resp openai.ChatCompletionResponse
	err = p.retry.do(ctx, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, *chatReq)
		return callErr
	})
	if err != nil {
		return nil, wrapProviderError("openai", chatReq.Model, err)
	}
	return decodeOpenAIResponse(&resp)
}

func (p *OpenAIProvider) encodeRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages, err := encodeOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, err
	}
	chatReq := &openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = encodeOpenAITools(req.Tools)
	}
	return chatReq, nil
}

// encodeOpenAIMessages converts the transcript, injecting the system prompt
// as the leading message the way the Chat Completions API expects.
func encodeOpenAIMessages(msgs []*models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: encodeToolArguments(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return result, nil
}

func encodeOpenAITools(descriptors []tools.Descriptor) []openai.Tool {
	result := make([]openai.Tool, len(descriptors))
	for i, d := range descriptors {
		var schema map[string]any
		if err := json.Unmarshal(d.Parameters, &schema); err != nil || schema == nil {
			// One bad schema must not break function calling for the rest.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func encodeToolArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(payload)
}

func decodeOpenAIResponse(resp *openai.ChatCompletionResponse) (*Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]

	out := &Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeToolInput(json.RawMessage(tc.Function.Arguments)),
		})
	}
	return out, nil
}
