package models

import (
	"errors"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChannelType identifies where a conversation item originated.
type ChannelType string

const (
	ChannelCLI      ChannelType = "cli"
	ChannelSchedule ChannelType = "schedule"
	ChannelTask     ChannelType = "task"
)

// Message is one turn in a conversation transcript.
//
// Role=tool messages carry the result of a tool call and must reference the
// originating call via ToolCallID.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate checks structural invariants before a message is persisted.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return errors.New("tool message missing tool_call_id")
	}
	return nil
}

// ToolCall is a model's request to execute a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Origin names the channel and chat a message arrived on, so replies can be
// routed back without the model ever seeing transport detail.
type Origin struct {
	Channel ChannelType `json:"channel"`
	ChatID  string      `json:"chat_id"`
}
