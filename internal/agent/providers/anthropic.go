package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// MessagesClient is the slice of the Anthropic SDK the adapter calls,
// narrowed to an interface so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicProvider runs settled completion turns against the Anthropic
// Messages API. System content rides in params.System, tool results are
// folded into user messages, and transient API failures are retried with
// linear backoff.
type AnthropicProvider struct {
	msg       MessagesClient
	model     string
	maxTokens int
	retry     retryPolicy
}

// NewAnthropicProvider builds a provider backed by the real SDK client.
// model falls back to defaultAnthropicModel when empty.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProviderWithClient(&client.Messages, model), nil
}

// NewAnthropicProviderWithClient builds a provider over an existing
// MessagesClient. Tests use it to inject fakes.
func NewAnthropicProviderWithClient(msg MessagesClient, model string) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		msg:       msg,
		model:     model,
		maxTokens: defaultMaxTokens,
		retry:     defaultRetryPolicy(),
	}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends one Messages API request and translates the settled
// response into text and tool calls.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var msg *anthropic.Message
	err = p.retry.do(ctx, func() error {
		var callErr error
		msg, callErr = p.msg.New(ctx, *params)
		return callErr
	})
	if err != nil {
		return nil, wrapProviderError("anthropic", string(params.Model), err)
	}
	return decodeAnthropicResponse(msg)
}

func (p *AnthropicProvider) encodeRequest(req *Request) (*anthropic.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	conversation, system, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.System != "" {
		system = append([]anthropic.TextBlockParam{{Type: "text", Text: req.System}}, system...)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  conversation,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		toolParams, err := encodeAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}
	return &params, nil
}

// encodeAnthropicMessages converts the transcript into Messages API params.
// Role=system messages become system blocks, and runs of consecutive
// Role=tool messages are folded into a single user message so every
// tool_use block in the preceding assistant turn is answered in one place.
func encodeAnthropicMessages(msgs []*models.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var conversation []anthropic.MessageParam
	var system []anthropic.TextBlockParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			conversation = append(conversation, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
			}
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				m.ToolCallID,
				m.Content,
				isErrorResult(m),
			))
		case models.RoleUser:
			flushResults()
			if m.Content != "" {
				conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case models.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flushResults()

	if len(conversation) == 0 {
		return nil, nil, errors.New("at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(descriptors []tools.Descriptor) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(descriptors))
	for _, d := range descriptors {
		var schema anthropic.ToolInputSchemaParam
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", d.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("tool %q: missing tool definition", d.Name)
		}
		toolParam.OfTool.Description = anthropic.String(d.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func decodeAnthropicResponse(msg *anthropic.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &Response{StopReason: string(msg.StopReason)}
	var texts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: decodeToolInput(block.Input),
			})
		}
	}
	resp.Text = strings.Join(texts, "\n\n")
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}

// decodeToolInput parses a tool_use input payload. Malformed payloads are
// preserved under "_raw" so the executor can reject them with context
// instead of the call silently losing its arguments.
func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

// isErrorResult reports whether a tool message records a failed execution.
// The pump marks failures in message metadata when it appends the result.
func isErrorResult(m *models.Message) bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata["is_error"].(bool)
	return ok && v
}
