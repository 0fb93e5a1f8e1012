package agent

import (
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ItemKind discriminates queue items.
type ItemKind string

const (
	// ItemMessage is an inbound user message from a channel.
	ItemMessage ItemKind = "message"

	// ItemTaskResult reports a spawned task agent settling.
	ItemTaskResult ItemKind = "task_result"

	// ItemThink asks for one LLM turn over the current session.
	ItemThink ItemKind = "think"
)

// QueueItem is one unit of pump work.
type QueueItem struct {
	Kind   ItemKind
	Origin models.Origin

	// Text carries the user message for ItemMessage.
	Text string

	// Task settlement fields for ItemTaskResult.
	TaskID string
	Failed bool
	Output string
}

// queue is the single-consumer FIFO at the heart of the pump. Pushes are
// concurrency-safe and non-blocking; the processing flag is the single-writer
// gate, so exactly one drain loop runs at a time.
type queue struct {
	mu         sync.Mutex
	items      []*QueueItem
	processing bool
}

// push appends item and reports whether the caller claimed the drain loop.
// A false return means a drain loop is already running and will pick the
// item up in order.
func (q *queue) push(item *QueueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if q.processing {
		return false
	}
	q.processing = true
	return true
}

// pop removes the head item. ok=false means the queue emptied and the drain
// loop was released; the next push claims it again.
func (q *queue) pop() (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.processing = false
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// waitIdle blocks until the queue is empty and no item is in flight, or the
// timeout expires. Used for graceful shutdown and by tests.
func (q *queue) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		idle := !q.processing && len(q.items) == 0
		q.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
