package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func userMessage(content string) *models.Message {
	return &models.Message{
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreAppendHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, "s1", userMessage(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	for i, msg := range history {
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Errorf("history[%d].Content = %q, want %q", i, msg.Content, want)
		}
		if msg.ID == "" {
			t.Errorf("history[%d] has no generated ID", i)
		}
	}
}

func TestMemoryStoreHistoryTailLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, "s1", userMessage(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.History(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Content != "msg-7" || history[2].Content != "msg-9" {
		t.Errorf("history tail = [%q .. %q], want [msg-7 .. msg-9]", history[0].Content, history[2].Content)
	}
}

func TestMemoryStoreIsolatesStoredMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: "calling a tool",
		ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "file_read", Arguments: map[string]any{"path": "a.txt"}},
		},
		Metadata:  map[string]any{"channel": "cli"},
		CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, "s1", msg); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's message after Append must not affect the store.
	msg.ToolCalls[0].Arguments["path"] = "b.txt"
	msg.Metadata["channel"] = "schedule"

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := history[0]
	if got.ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Errorf("stored tool call mutated through caller reference: %v", got.ToolCalls[0].Arguments)
	}
	if got.Metadata["channel"] != "cli" {
		t.Errorf("stored metadata mutated through caller reference: %v", got.Metadata)
	}

	// Mutating a History result must not affect later reads.
	got.Metadata["channel"] = "task"
	again, _ := store.History(ctx, "s1", 0)
	if again[0].Metadata["channel"] != "cli" {
		t.Errorf("stored metadata mutated through history reference: %v", again[0].Metadata)
	}
}

func TestMemoryStoreTrimsOldMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < maxMessagesPerSession+50; i++ {
		if err := store.Append(ctx, "s1", userMessage(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	if got := store.Len("s1"); got != maxMessagesPerSession {
		t.Fatalf("stored messages = %d, want %d", got, maxMessagesPerSession)
	}
	history, err := store.History(ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("msg-%d", maxMessagesPerSession+49); history[0].Content != want {
		t.Errorf("newest message = %q, want %q", history[0].Content, want)
	}
}

func TestMemoryStoreRejectsInvalidInput(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Append(ctx, "", userMessage("x")); err == nil {
		t.Error("Append with empty session id succeeded")
	}
	if err := store.Append(ctx, "s1", nil); err == nil {
		t.Error("Append with nil message succeeded")
	}
	// role=tool requires a tool call id.
	if err := store.Append(ctx, "s1", &models.Message{Role: models.RoleTool, Content: "{}"}); err == nil {
		t.Error("Append of tool message without tool_call_id succeeded")
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = store.Append(ctx, "shared", userMessage(fmt.Sprintf("w%d-%d", worker, j)))
			}
		}(i)
	}
	wg.Wait()

	if got := store.Len("shared"); got != 200 {
		t.Errorf("stored messages = %d, want 200", got)
	}
}
