package sessions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxMessagesPerSession bounds memory growth for long-lived sessions; the
// oldest messages are dropped once the log exceeds it.
const maxMessagesPerSession = 1000

// MemoryStore keeps session logs in process memory. Suitable for tests and
// single-run CLI sessions; everything is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*models.Message),
	}
}

// Append adds msg to sessionID's log, trimming the oldest entries past
// maxMessagesPerSession. The stored copy is detached from the caller's.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	stored := cloneMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.messages[sessionID], stored)
	if len(log) > maxMessagesPerSession {
		log = log[len(log)-maxMessagesPerSession:]
	}
	s.messages[sessionID] = log
	return nil
}

// History returns the tail of sessionID's log in chronological order.
func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[sessionID]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]*models.Message, len(log))
	for i, msg := range log {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

// Len reports the number of stored messages for a session.
func (s *MemoryStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID])
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.ToolCalls != nil {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			clone.ToolCalls[i] = models.ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: deepCloneMap(call.Arguments),
			}
		}
	}
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	return &clone
}

func deepCloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = deepCloneMap(typed)
		case []any:
			cloned := make([]any, len(typed))
			for i, item := range typed {
				if nested, ok := item.(map[string]any); ok {
					cloned[i] = deepCloneMap(nested)
				} else {
					cloned[i] = item
				}
			}
			out[k] = cloned
		default:
			out[k] = v
		}
	}
	return out
}
