package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/builtin"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedProvider returns canned responses in order and records every
// request. Turns past the script settle as empty responses.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*providers.Response
	requests []*providers.Request
	errs     []error
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	turn := len(s.requests) - 1
	if turn < len(s.errs) && s.errs[turn] != nil {
		return nil, s.errs[turn]
	}
	if turn < len(s.script) {
		return s.script[turn], nil
	}
	return &providers.Response{StopReason: "end_turn"}, nil
}

func (s *scriptedProvider) turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedProvider) request(i int) *providers.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}

func textTurn(text string) *providers.Response {
	return &providers.Response{Text: text, StopReason: "end_turn"}
}

func toolTurn(calls ...models.ToolCall) *providers.Response {
	return &providers.Response{ToolCalls: calls, StopReason: "tool_use"}
}

// replyRecorder collects reply callback invocations.
type replyRecorder struct {
	mu      sync.Mutex
	replies []string
	origins []models.Origin
}

func (r *replyRecorder) fn(origin models.Origin, text, replyTo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	r.origins = append(r.origins, origin)
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func (r *replyRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

func cliOrigin() models.Origin {
	return models.Origin{Channel: models.ChannelCLI, ChatID: "chat-1"}
}

func newTestPump(t *testing.T, provider providers.Provider, extra ...tools.Tool) (*Pump, *sessions.MemoryStore, *replyRecorder) {
	t.Helper()
	registry := tools.NewRegistry()
	if err := builtin.Register(registry, builtin.Config{}); err != nil {
		t.Fatal(err)
	}
	for _, tool := range extra {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	store := sessions.NewMemoryStore()
	pump := NewPump(provider, registry, store, &Config{SessionID: "s1"})
	rec := &replyRecorder{}
	pump.OnReply(rec.fn)
	return pump, store, rec
}

func waitForIdle(t *testing.T, p *Pump) {
	t.Helper()
	if !p.WaitIdle(5 * time.Second) {
		t.Fatal("pump never went idle")
	}
}

func history(t *testing.T, store *sessions.MemoryStore) []*models.Message {
	t.Helper()
	msgs, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestPlainTextIsInnerMonologue(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{textTurn("ok")}}
	pump, store, rec := newTestPump(t, provider)

	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	if rec.count() != 0 {
		t.Fatalf("reply callback invoked %d times for plain text, want 0", rec.count())
	}
	msgs := history(t, store)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "ok" {
		t.Errorf("second message = %+v", msgs[1])
	}
	if provider.turns() != 1 {
		t.Errorf("llm turns = %d, want 1 (text stops the cascade)", provider.turns())
	}
}

func TestReplyIntentDeliversExactlyOnce(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "reply", Arguments: map[string]any{"text": "hello"}}),
		textTurn(""),
	}}
	pump, store, rec := newTestPump(t, provider)

	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	if rec.count() != 1 {
		t.Fatalf("reply callbacks = %d, want exactly 1", rec.count())
	}
	if rec.last() != "hello" {
		t.Errorf("reply text = %q, want hello", rec.last())
	}
	if rec.origins[0] != cliOrigin() {
		t.Errorf("reply origin = %+v", rec.origins[0])
	}

	msgs := history(t, store)
	// user, assistant(tool call), tool result, then the empty follow-up
	// think appends nothing.
	if len(msgs) != 3 {
		t.Fatalf("history = %d messages, want 3", len(msgs))
	}
	if msgs[2].Role != models.RoleTool || msgs[2].Content != `{"delivered":true}` {
		t.Errorf("tool result = %+v", msgs[2])
	}
	if msgs[2].ToolCallID != "call-1" {
		t.Errorf("tool_call_id = %q", msgs[2].ToolCallID)
	}
	if provider.turns() != 2 {
		t.Errorf("llm turns = %d, want 2 (tool turn re-queues one think)", provider.turns())
	}
}

func TestSpawnTaskResultCascade(t *testing.T) {
	runner := tasks.RunnerFunc(func(ctx context.Context, task *tasks.Task) (string, error) {
		return "analysis finished", nil
	})
	manager := tasks.NewManager(runner)

	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "spawn_task", Arguments: map[string]any{
			"description": "analyze the logs",
			"input":       "log lines",
		}}),
		textTurn(""), // think after spawn result: wait silently
		toolTurn(models.ToolCall{ID: "call-2", Name: "reply", Arguments: map[string]any{"text": "done"}}),
		textTurn(""),
	}}
	pump, store, rec := newTestPump(t, provider)
	pump.tasks = manager
	manager.OnCompletion(pump.EnqueueTaskResult)

	pump.EnqueueMessage("check the logs", cliOrigin())
	manager.Wait()
	waitForIdle(t, pump)

	if rec.count() != 1 {
		t.Fatalf("reply callbacks = %d, want exactly 1", rec.count())
	}
	if rec.last() != "done" {
		t.Errorf("reply = %q, want done", rec.last())
	}

	msgs := history(t, store)
	var spawnResult, taskResult *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool && strings.Contains(m.Content, "spawned") {
			spawnResult = m
		}
		if m.Role == models.RoleUser && m.Metadata["type"] == "task_result" {
			taskResult = m
		}
	}
	if spawnResult == nil {
		t.Fatal("no spawned tool result in history")
	}
	var spawned map[string]string
	if err := json.Unmarshal([]byte(spawnResult.Content), &spawned); err != nil {
		t.Fatalf("spawn result not JSON: %v", err)
	}
	if spawned["status"] != "spawned" || spawned["taskId"] == "" {
		t.Errorf("spawn result = %v", spawned)
	}
	if taskResult == nil {
		t.Fatal("no task_result message in history")
	}
	if !strings.HasPrefix(taskResult.Content, "[Task "+spawned["taskId"]+" completed]") {
		t.Errorf("task result content = %q", taskResult.Content)
	}
	if !strings.Contains(taskResult.Content, "analysis finished") {
		t.Errorf("task output missing: %q", taskResult.Content)
	}
	if taskResult.Metadata["taskId"] != spawned["taskId"] {
		t.Errorf("taskId metadata = %v", taskResult.Metadata["taskId"])
	}
}

func TestFailedTaskResultHeadline(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{textTurn("noted")}}
	pump, store, _ := newTestPump(t, provider)

	// Seed the session so the follow-up think has a transcript.
	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	pump.EnqueueTaskResult(tasks.Completion{
		TaskID: "task-abc",
		Origin: cliOrigin(),
		Failed: true,
		Output: "deadline exceeded",
	})
	waitForIdle(t, pump)

	msgs := history(t, store)
	var found bool
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, "[Task task-abc failed]") && strings.Contains(m.Content, "deadline exceeded") {
			found = true
		}
	}
	if !found {
		t.Errorf("failed task headline missing from history: %+v", msgs)
	}
}

// echoTool returns its arguments.
type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes arguments" }
func (echoTool) Category() string        { return "test" }
func (echoTool) Schema() json.RawMessage { return nil }

func (echoTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	return tools.OK(map[string]any{"echo": args["value"], "task": tc.TaskID}), nil
}

func TestGenericToolResultAppendedAsJSON(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "echo", Arguments: map[string]any{"value": "ping"}}),
		textTurn(""),
	}}
	pump, store, _ := newTestPump(t, provider, echoTool{})

	pump.EnqueueMessage("run echo", cliOrigin())
	waitForIdle(t, pump)

	msgs := history(t, store)
	if len(msgs) != 3 {
		t.Fatalf("history = %d messages, want 3", len(msgs))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &body); err != nil {
		t.Fatalf("tool result not JSON: %v (%q)", err, msgs[2].Content)
	}
	if body["echo"] != "ping" {
		t.Errorf("echo = %v", body["echo"])
	}
	if body["task"] != MainTaskID {
		t.Errorf("tool context task = %v, want %q", body["task"], MainTaskID)
	}
	if provider.turns() != 2 {
		t.Errorf("llm turns = %d, want 2", provider.turns())
	}
}

// failTool always fails.
type failTool struct{}

func (failTool) Name() string            { return "flaky" }
func (failTool) Description() string     { return "always fails" }
func (failTool) Category() string        { return "test" }
func (failTool) Schema() json.RawMessage { return nil }

func (failTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	return tools.Fail(tools.ErrorUnknown, "backend unavailable"), nil
}

func TestToolFailureRecordedWithErrorPrefix(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "flaky", Arguments: map[string]any{}}),
		textTurn(""),
	}}
	pump, store, rec := newTestPump(t, provider, failTool{})

	pump.EnqueueMessage("try it", cliOrigin())
	waitForIdle(t, pump)

	msgs := history(t, store)
	result := msgs[2]
	if !strings.HasPrefix(result.Content, "Error: ") {
		t.Errorf("failed tool content = %q, want Error: prefix", result.Content)
	}
	if !strings.Contains(result.Content, "backend unavailable") {
		t.Errorf("error detail missing: %q", result.Content)
	}
	if isErr, _ := result.Metadata["is_error"].(bool); !isErr {
		t.Error("is_error metadata not set")
	}
	// A failed tool is not a failed message: no apology.
	if rec.count() != 0 {
		t.Errorf("replies = %d, want 0", rec.count())
	}
}

// failingStore errors on every append.
type failingStore struct{}

func (failingStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	return errors.New("disk full")
}

func (failingStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return nil, nil
}

func TestMessageFailureSendsApology(t *testing.T) {
	provider := &scriptedProvider{}
	registry := tools.NewRegistry()
	pump := NewPump(provider, registry, failingStore{}, &Config{SessionID: "s1"})
	rec := &replyRecorder{}
	pump.OnReply(rec.fn)

	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	if rec.count() != 1 {
		t.Fatalf("replies = %d, want 1 apology", rec.count())
	}
	if !strings.Contains(rec.last(), "Sorry") {
		t.Errorf("apology text = %q", rec.last())
	}
	if provider.turns() != 0 {
		t.Errorf("llm turns = %d, want 0 (append failed before think)", provider.turns())
	}
}

func TestLLMFailureOnThinkStaysSilent(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("overloaded")}}
	pump, _, rec := newTestPump(t, provider)

	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	if rec.count() != 0 {
		t.Errorf("replies = %d, want 0 (think failures are silent)", rec.count())
	}
}

func TestNotifyRoutedToCallback(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "notify", Arguments: map[string]any{
			"message": "backup finished",
			"level":   "info",
		}}),
		textTurn(""),
	}}
	pump, store, _ := newTestPump(t, provider)

	type notice struct{ level, message string }
	got := make(chan notice, 1)
	pump.OnNotify(func(level, message string) {
		got <- notice{level, message}
	})

	pump.EnqueueMessage("backup status?", cliOrigin())
	waitForIdle(t, pump)

	select {
	case n := <-got:
		if n.level != "info" || n.message != "backup finished" {
			t.Errorf("notification = %+v", n)
		}
	default:
		t.Fatal("notify callback not invoked")
	}

	msgs := history(t, store)
	if msgs[2].Role != models.RoleTool || !strings.Contains(msgs[2].Content, "backup finished") {
		t.Errorf("notify tool result = %+v", msgs[2])
	}
}

// stubSkills maps names to content.
type stubSkills map[string]string

func (s stubSkills) Load(name string) (string, error) {
	content, ok := s[name]
	if !ok {
		return "", errors.New("unknown skill")
	}
	return content, nil
}

func TestUseSkillAppliesToNextThinkOnly(t *testing.T) {
	provider := &scriptedProvider{script: []*providers.Response{
		toolTurn(models.ToolCall{ID: "call-1", Name: "use_skill", Arguments: map[string]any{"skill": "review"}}),
		textTurn("reviewing"),
		textTurn("later turn"),
	}}
	pump, _, _ := newTestPump(t, provider)
	pump.skills = stubSkills{"review": "Check style first, then correctness."}

	pump.EnqueueMessage("review this", cliOrigin())
	waitForIdle(t, pump)

	first := provider.request(0)
	if strings.Contains(first.System, "## Skill: review") {
		t.Error("skill applied before use_skill ran")
	}
	second := provider.request(1)
	if second == nil || !strings.Contains(second.System, "## Skill: review") {
		t.Fatal("skill missing from the think after use_skill")
	}
	if !strings.Contains(second.System, "Check style first") {
		t.Error("skill content missing")
	}

	pump.EnqueueMessage("next topic", cliOrigin())
	waitForIdle(t, pump)

	third := provider.request(2)
	if third == nil || strings.Contains(third.System, "## Skill: review") {
		t.Error("skill leaked past its turn")
	}
}

func TestMessagesProcessedInPushOrder(t *testing.T) {
	provider := &scriptedProvider{}
	pump, store, _ := newTestPump(t, provider)

	for _, text := range []string{"first", "second", "third"} {
		pump.EnqueueMessage(text, cliOrigin())
	}
	waitForIdle(t, pump)

	var users []string
	for _, m := range history(t, store) {
		if m.Role == models.RoleUser {
			users = append(users, m.Content)
		}
	}
	if len(users) != 3 || users[0] != "first" || users[1] != "second" || users[2] != "third" {
		t.Errorf("user messages = %v", users)
	}
}

func TestSystemPromptCarriesContract(t *testing.T) {
	provider := &scriptedProvider{}
	pump, _, _ := newTestPump(t, provider)

	pump.EnqueueMessage("hi", cliOrigin())
	waitForIdle(t, pump)

	req := provider.request(0)
	if req == nil {
		t.Fatal("no llm request made")
	}
	if !strings.Contains(req.System, "inner monologue") {
		t.Error("monologue contract missing from system prompt")
	}
	if !strings.Contains(req.System, "terminal") {
		t.Error("cli style guide missing from system prompt")
	}
	if len(req.Tools) == 0 {
		t.Error("registry descriptors missing from request")
	}
}
