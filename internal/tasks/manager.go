// Package tasks runs spawned task agents: units of work the main agent
// hands off mid-conversation. Each task runs concurrently under its own
// deadline and reports settlement through a completion callback, carrying
// the origin channel of the conversation that spawned it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// Status is the lifecycle state of a spawned task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultTimeout caps one task agent's run.
	DefaultTimeout = 10 * time.Minute

	// DefaultMaxActive bounds concurrently running task agents.
	DefaultMaxActive = 5
)

// Task is one spawned unit of work.
type Task struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Input       string        `json:"input,omitempty"`
	Status      Status        `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Origin      models.Origin `json:"origin"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
}

// Completion reports one settled task.
type Completion struct {
	TaskID string
	Origin models.Origin
	Failed bool

	// Output is the final result, or the error text when Failed.
	Output string
}

// CompletionFunc consumes settlements. It runs outside the manager lock,
// exactly once per task.
type CompletionFunc func(Completion)

// Runner does the actual work of one task.
type Runner interface {
	Run(ctx context.Context, task *Task) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task *Task) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task *Task) (string, error) {
	return f(ctx, task)
}

// Manager tracks spawned tasks and their origin channels so settlements can
// be routed back to the conversation that spawned them.
type Manager struct {
	runner    Runner
	logger    *slog.Logger
	timeout   time.Duration
	maxActive int

	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string
	cancels    map[string]context.CancelFunc
	active     int
	onComplete CompletionFunc

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTimeout sets the per-task deadline.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxActive sets the concurrent task cap.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// NewManager creates a manager executing tasks through runner.
func NewManager(runner Runner, opts ...Option) *Manager {
	m := &Manager{
		runner:    runner,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		maxActive: DefaultMaxActive,
		tasks:     make(map[string]*Task),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "tasks")
	return m
}

// OnCompletion registers the settlement callback. Register before the first
// Spawn; completions for tasks spawned earlier are not replayed.
func (m *Manager) OnCompletion(fn CompletionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = fn
}

func newTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Spawn registers a task and starts its agent. origin names the channel the
// settlement should be routed back to.
func (m *Manager) Spawn(description, input string, origin models.Origin) (Task, error) {
	if description == "" {
		return Task{}, errors.New("task description is required")
	}

	task := &Task{
		ID:          newTaskID(),
		Description: description,
		Input:       input,
		Status:      StatusRunning,
		Origin:      origin,
		CreatedAt:   time.Now().UTC(),
	}
	runCtx, cancel := context.WithTimeout(context.Background(), m.timeout)

	m.mu.Lock()
	if m.active >= m.maxActive {
		m.mu.Unlock()
		cancel()
		return Task{}, fmt.Errorf("max active tasks reached (%d)", m.maxActive)
	}
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.cancels[task.ID] = cancel
	m.active++
	snapshot := *task
	m.mu.Unlock()

	m.logger.Info("task spawned", "task_id", task.ID, "channel", origin.Channel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		output, err := m.runTask(runCtx, &snapshot)
		if err != nil {
			m.settle(task.ID, "", err.Error())
			return
		}
		m.settle(task.ID, output, "")
	}()

	return snapshot, nil
}

// runTask shields the manager from panicking runners the same way the tool
// executor shields the registry.
func (m *Manager) runTask(ctx context.Context, task *Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task agent panicked: %v", r)
		}
	}()
	return m.runner.Run(ctx, task)
}

// settle applies a terminal state and fires the completion callback. It
// no-ops unless the task is still running, which keeps a late natural
// settlement from overwriting a stop.
func (m *Manager) settle(id, result, errMsg string) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.Status != StatusRunning {
		m.mu.Unlock()
		return
	}

	task.CompletedAt = time.Now().UTC()
	completion := Completion{TaskID: id, Origin: task.Origin}
	if errMsg != "" {
		task.Status = StatusFailed
		task.Error = errMsg
		completion.Failed = true
		completion.Output = errMsg
	} else {
		task.Status = StatusCompleted
		task.Result = result
		completion.Output = result
	}
	status := task.Status
	fn := m.onComplete
	m.active--
	delete(m.cancels, id)
	m.mu.Unlock()

	m.logger.Info("task settled", "task_id", id, "status", status)
	if fn != nil {
		fn(completion)
	}
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// List returns snapshots of all tracked tasks in spawn order.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// ActiveCount returns the number of running tasks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop cancels a running task, marks it failed with "Stopped by user", and
// fires the completion callback. Cancellation of the underlying run is
// advisory; its eventual settlement is discarded by the terminal-state
// guard. Returns false when the task is absent or already settled.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.Status != StatusRunning {
		m.mu.Unlock()
		return false
	}

	task.Status = StatusFailed
	task.Error = "Stopped by user"
	task.CompletedAt = time.Now().UTC()
	completion := Completion{TaskID: id, Origin: task.Origin, Failed: true, Output: task.Error}
	cancel := m.cancels[id]
	fn := m.onComplete
	m.active--
	delete(m.cancels, id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Info("task stopped", "task_id", id)
	if fn != nil {
		fn(completion)
	}
	return true
}

// Wait blocks until every spawned task goroutine has returned. Intended for
// shutdown; new spawns during Wait are the caller's race to avoid.
func (m *Manager) Wait() {
	m.wg.Wait()
}
