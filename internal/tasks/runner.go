package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// defaultTaskSystemPrompt frames the one-shot run: no tools, just the final
// result text.
const defaultTaskSystemPrompt = "You are a task agent. Complete the task described by the user and respond with the final result only. Do not narrate your process."

// SingleTurnRunner settles a task with one provider turn and no tools. It is
// the default runner; richer agent loops plug in through the same interface.
type SingleTurnRunner struct {
	provider providers.Provider
	system   string
}

// NewSingleTurnRunner builds the default runner. An empty system prompt
// selects the built-in one.
func NewSingleTurnRunner(provider providers.Provider, system string) *SingleTurnRunner {
	if system == "" {
		system = defaultTaskSystemPrompt
	}
	return &SingleTurnRunner{provider: provider, system: system}
}

// Run implements Runner.
func (r *SingleTurnRunner) Run(ctx context.Context, task *Task) (string, error) {
	content := task.Description
	if task.Input != "" {
		content += "\n\nInput:\n" + task.Input
	}
	resp, err := r.provider.Complete(ctx, &providers.Request{
		System: r.system,
		Messages: []*models.Message{{
			ID:        uuid.NewString(),
			Role:      models.RoleUser,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}},
	})
	if err != nil {
		return "", err
	}
	if resp.Text == "" {
		return "", errors.New("task agent produced no output")
	}
	return resp.Text, nil
}
