// Package providers adapts LLM vendor SDKs to the settled-turn Provider
// interface the agent pump consumes. Each adapter sends one complete
// transcript, blocks until the model settles, and returns the assistant
// text plus any tool calls. There is no streaming surface.
package providers

import (
	"context"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Request is one completion turn: full transcript in, settled response out.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// System is the system prompt for this turn. Role=system messages in
	// the transcript are folded into it by providers that keep system
	// content out of the message array.
	System string

	// Messages is the conversation transcript, oldest first.
	Messages []*models.Message

	// Tools are the function descriptors advertised to the model.
	Tools []tools.Descriptor

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Response is the settled outcome of one completion turn.
type Response struct {
	// Text is the assistant prose, empty when the model only called tools.
	Text string

	// ToolCalls are the tool invocations the model requested this turn.
	ToolCalls []models.ToolCall

	// StopReason is the provider's native stop reason, untranslated.
	StopReason string

	// Usage counts the tokens consumed by this turn.
	Usage Usage
}

// Usage is the token accounting for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Provider executes settled completion turns against one LLM API.
//
// Implementations must be safe for concurrent use; the pump serializes its
// own turns but background task runners may share a provider.
type Provider interface {
	// Name returns the stable lowercase provider identifier used in
	// configuration, logs, and metrics.
	Name() string

	// Complete runs one turn and blocks until the response settles or ctx
	// is done. Transient failures (rate limits, 5xx, timeouts) are retried
	// internally before an error is returned.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
