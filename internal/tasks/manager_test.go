package tasks

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

func cliOrigin(chatID string) models.Origin {
	return models.Origin{Channel: models.ChannelCLI, ChatID: chatID}
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	m := NewManager(RunnerFunc(func(_ context.Context, task *Task) (string, error) {
		return "result for " + task.Description, nil
	}))
	completions := make(chan Completion, 1)
	m.OnCompletion(func(c Completion) { completions <- c })

	task, err := m.Spawn("summarize the report", "raw text", cliOrigin("chat-1"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if task.Status != StatusRunning {
		t.Errorf("spawned status = %q, want running", task.Status)
	}
	if !strings.HasPrefix(task.ID, "task-") {
		t.Errorf("task id = %q, want task- prefix", task.ID)
	}

	c := waitCompletion(t, completions)
	if c.Failed {
		t.Fatalf("completion failed: %s", c.Output)
	}
	if c.TaskID != task.ID {
		t.Errorf("completion task id = %q, want %q", c.TaskID, task.ID)
	}
	if c.Output != "result for summarize the report" {
		t.Errorf("output = %q", c.Output)
	}
	if c.Origin.ChatID != "chat-1" || c.Origin.Channel != models.ChannelCLI {
		t.Errorf("origin = %+v, want the spawning channel", c.Origin)
	}

	got, ok := m.Get(task.ID)
	if !ok || got.Status != StatusCompleted || got.Result != c.Output {
		t.Errorf("Get = %+v", got)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("active = %d, want 0", m.ActiveCount())
	}
}

func TestSpawnFailureReportsError(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, *Task) (string, error) {
		return "", errors.New("no network")
	}))
	completions := make(chan Completion, 1)
	m.OnCompletion(func(c Completion) { completions <- c })

	task, err := m.Spawn("fetch the page", "", cliOrigin("chat-2"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	c := waitCompletion(t, completions)
	if !c.Failed || c.Output != "no network" {
		t.Errorf("completion = %+v", c)
	}
	got, _ := m.Get(task.ID)
	if got.Status != StatusFailed || got.Error != "no network" {
		t.Errorf("task = %+v", got)
	}
}

func TestSpawnRecoversPanickingRunner(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, *Task) (string, error) {
		panic("runner bug")
	}))
	completions := make(chan Completion, 1)
	m.OnCompletion(func(c Completion) { completions <- c })

	if _, err := m.Spawn("explode", "", cliOrigin("chat-3")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c := waitCompletion(t, completions)
	if !c.Failed || !strings.Contains(c.Output, "runner bug") {
		t.Errorf("completion = %+v", c)
	}
}

func TestStopDiscardsLateSettlement(t *testing.T) {
	started := make(chan struct{})
	m := NewManager(RunnerFunc(func(ctx context.Context, _ *Task) (string, error) {
		close(started)
		<-ctx.Done()
		// The natural settlement races the stop and must lose.
		return "late result", nil
	}))
	var completions atomic.Int32
	gotCh := make(chan Completion, 2)
	m.OnCompletion(func(c Completion) {
		completions.Add(1)
		gotCh <- c
	})

	task, err := m.Spawn("long haul", "", cliOrigin("chat-4"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started

	if !m.Stop(task.ID) {
		t.Fatal("Stop returned false for a running task")
	}
	c := waitCompletion(t, gotCh)
	if !c.Failed || c.Output != "Stopped by user" {
		t.Errorf("completion = %+v", c)
	}

	m.Wait()
	got, _ := m.Get(task.ID)
	if got.Status != StatusFailed || got.Error != "Stopped by user" {
		t.Errorf("task after late settlement = %+v", got)
	}
	if n := completions.Load(); n != 1 {
		t.Errorf("got %d completions, want exactly 1", n)
	}
	if m.Stop(task.ID) {
		t.Error("Stop on a settled task should return false")
	}
}

func TestSpawnEnforcesMaxActive(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(RunnerFunc(func(ctx context.Context, _ *Task) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), WithMaxActive(2))

	if _, err := m.Spawn("one", "", cliOrigin("c")); err != nil {
		t.Fatalf("Spawn one: %v", err)
	}
	if _, err := m.Spawn("two", "", cliOrigin("c")); err != nil {
		t.Fatalf("Spawn two: %v", err)
	}
	if _, err := m.Spawn("three", "", cliOrigin("c")); err == nil {
		t.Fatal("expected max-active error")
	}
	close(release)
	m.Wait()

	if _, err := m.Spawn("four", "", cliOrigin("c")); err != nil {
		t.Errorf("Spawn after drain: %v", err)
	}
}

func TestSpawnTimesOut(t *testing.T) {
	m := NewManager(RunnerFunc(func(ctx context.Context, _ *Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), WithTimeout(20*time.Millisecond))
	completions := make(chan Completion, 1)
	m.OnCompletion(func(c Completion) { completions <- c })

	if _, err := m.Spawn("stall", "", cliOrigin("chat-5")); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c := waitCompletion(t, completions)
	if !c.Failed || !strings.Contains(c.Output, "deadline exceeded") {
		t.Errorf("completion = %+v", c)
	}
}

func TestSpawnRequiresDescription(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, *Task) (string, error) { return "", nil }))
	if _, err := m.Spawn("", "", cliOrigin("c")); err == nil {
		t.Fatal("expected error for empty description")
	}
}

func TestListKeepsSpawnOrder(t *testing.T) {
	m := NewManager(RunnerFunc(func(context.Context, *Task) (string, error) { return "ok", nil }))
	first, _ := m.Spawn("first", "", cliOrigin("c"))
	second, _ := m.Spawn("second", "", cliOrigin("c"))
	m.Wait()

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("got %d tasks, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("order = [%s, %s]", list[0].ID, list[1].ID)
	}
}

type fixedProvider struct {
	resp *providers.Response
	err  error

	lastReq *providers.Request
}

func (f *fixedProvider) Name() string { return "fixed" }

func (f *fixedProvider) Complete(_ context.Context, req *providers.Request) (*providers.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestSingleTurnRunner(t *testing.T) {
	fp := &fixedProvider{resp: &providers.Response{Text: "forty-two"}}
	r := NewSingleTurnRunner(fp, "")

	out, err := r.Run(context.Background(), &Task{Description: "compute", Input: "6*7"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "forty-two" {
		t.Errorf("output = %q", out)
	}
	if fp.lastReq.System == "" {
		t.Error("default system prompt not applied")
	}
	if len(fp.lastReq.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(fp.lastReq.Messages))
	}
	content := fp.lastReq.Messages[0].Content
	if !strings.Contains(content, "compute") || !strings.Contains(content, "6*7") {
		t.Errorf("message content = %q", content)
	}
}

func TestSingleTurnRunnerEmptyOutput(t *testing.T) {
	fp := &fixedProvider{resp: &providers.Response{}}
	r := NewSingleTurnRunner(fp, "custom prompt")
	if _, err := r.Run(context.Background(), &Task{Description: "quiet"}); err == nil {
		t.Fatal("expected error for empty model output")
	}
}
