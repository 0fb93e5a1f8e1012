package agent

import (
	"sync"
	"testing"
	"time"
)

func TestQueuePushClaimsOnce(t *testing.T) {
	q := &queue{}

	if !q.push(&QueueItem{Kind: ItemThink}) {
		t.Fatal("first push should claim the drain loop")
	}
	if q.push(&QueueItem{Kind: ItemThink}) {
		t.Fatal("second push must not claim while processing")
	}

	if item, ok := q.pop(); !ok || item == nil {
		t.Fatal("expected first item")
	}
	if item, ok := q.pop(); !ok || item == nil {
		t.Fatal("expected second item")
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}

	// The empty pop released the loop; the next push claims again.
	if !q.push(&QueueItem{Kind: ItemThink}) {
		t.Fatal("push after release should claim")
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := &queue{}
	q.push(&QueueItem{Kind: ItemMessage, Text: "a"})
	q.push(&QueueItem{Kind: ItemMessage, Text: "b"})
	q.push(&QueueItem{Kind: ItemMessage, Text: "c"})

	var got []string
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, item.Text)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}

func TestQueueConcurrentPushSafe(t *testing.T) {
	q := &queue{}
	q.push(&QueueItem{Kind: ItemThink}) // hold the processing flag

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.push(&QueueItem{Kind: ItemMessage}) {
				t.Error("concurrent push claimed a held loop")
			}
		}()
	}
	wg.Wait()

	if q.depth() != 51 {
		t.Errorf("depth = %d, want 51", q.depth())
	}
}

func TestQueueWaitIdle(t *testing.T) {
	q := &queue{}
	if !q.waitIdle(100 * time.Millisecond) {
		t.Fatal("empty queue should be idle")
	}

	q.push(&QueueItem{Kind: ItemThink})
	if q.waitIdle(30 * time.Millisecond) {
		t.Fatal("queue with held item should not be idle")
	}

	for {
		if _, ok := q.pop(); !ok {
			break
		}
	}
	if !q.waitIdle(100 * time.Millisecond) {
		t.Fatal("drained queue should be idle")
	}
}
