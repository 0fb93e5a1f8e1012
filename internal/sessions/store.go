// Package sessions persists the agent's conversation history. The log is
// append-only: messages are immutable once written and History returns them
// in append order.
package sessions

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultHistoryLimit caps History reads when the caller passes limit <= 0.
const DefaultHistoryLimit = 100

// Store is the interface the agent pump depends on.
type Store interface {
	// Append adds msg to the session's log.
	Append(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns up to limit most recent messages in chronological
	// order. limit <= 0 applies DefaultHistoryLimit.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}
