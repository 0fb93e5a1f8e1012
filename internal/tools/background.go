package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultTaskMaxAge bounds how long settled background tasks stay queryable.
// Run piggybacks a cleanup with this age before registering a new task.
const DefaultTaskMaxAge = 30 * time.Minute

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskNotFound  TaskStatus = "not_found"
)

// TaskView is the externally visible snapshot of a background task.
type TaskView struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Tool      string     `json:"tool,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// backgroundTask is the internal record. status transitions are terminal:
// once the task leaves running, later settlement attempts no-op.
type backgroundTask struct {
	id          string
	tool        string
	status      TaskStatus
	result      *Result
	err         string
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
	settled     chan struct{}
}

// BackgroundManager is a fire-and-forget pool of tool invocations with
// status polling, bounded waiting, stop, and age-based cleanup.
type BackgroundManager struct {
	executor *Executor
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu    sync.Mutex
	tasks map[string]*backgroundTask
	order []string
}

// NewBackgroundManager creates a manager executing through the given
// executor. logger and metrics may be nil.
func NewBackgroundManager(executor *Executor, logger *slog.Logger, metrics *observability.Metrics) *BackgroundManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundManager{
		executor: executor,
		logger:   logger.With("component", "background"),
		metrics:  metrics,
		tasks:    make(map[string]*backgroundTask),
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Run fires a tool invocation into the pool and returns its id immediately.
// A timeout of zero means the executor default; either way the effective
// deadline is capped at MaxToolTimeout.
func (m *BackgroundManager) Run(toolName string, args map[string]any, tc *Context, timeout time.Duration) string {
	effective := m.executor.EffectiveTimeout(&Options{Timeout: timeout})
	runCtx, cancel := context.WithCancel(context.Background())

	task := &backgroundTask{
		id:        "bg-" + shortID(),
		tool:      toolName,
		status:    TaskRunning,
		startedAt: time.Now(),
		cancel:    cancel,
		settled:   make(chan struct{}),
	}

	m.mu.Lock()
	m.cleanupLocked(DefaultTaskMaxAge)
	m.tasks[task.id] = task
	m.order = append(m.order, task.id)
	m.mu.Unlock()

	m.metrics.BackgroundTaskStarted()
	m.logger.Info("background task started", "task_id", task.id, "tool", toolName, "timeout", effective)

	go func() {
		call := models.ToolCall{ID: task.id, Name: toolName, Arguments: args}
		res := m.executor.Execute(runCtx, call, tc, &Options{Timeout: effective})
		m.settle(task.id, res)
		cancel()
	}()

	// Per-task timer racing the execution. The settled channel releases the
	// timer on every terminal path, so no timer leaks past settlement.
	timer := time.NewTimer(effective)
	go func() {
		select {
		case <-timer.C:
			cancel()
			m.settle(task.id, Failf(ErrorTimeout, "Background task timed out after %dms", effective.Milliseconds()))
		case <-task.settled:
			timer.Stop()
		}
	}()

	return task.id
}

// settle applies a terminal state. It no-ops unless the task is still
// running, which is what keeps post-stop settlement from overwriting the
// stop outcome.
func (m *BackgroundManager) settle(id string, res *Result) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.status != TaskRunning {
		m.mu.Unlock()
		return
	}

	if res != nil && res.Success {
		task.status = TaskCompleted
		task.result = res
	} else {
		task.status = TaskFailed
		task.result = res
		if res != nil {
			task.err = res.Error
		} else {
			task.err = "tool returned no result"
		}
	}
	task.completedAt = time.Now()
	status := task.status
	close(task.settled)
	m.mu.Unlock()

	m.metrics.BackgroundTaskSettled(string(status))
	m.logger.Info("background task settled", "task_id", id, "status", status)
}

// Status returns the current snapshot without blocking.
func (m *BackgroundManager) Status(id string) TaskView {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return TaskView{ID: id, Status: TaskNotFound}
	}
	return taskView(task)
}

func taskView(task *backgroundTask) TaskView {
	view := TaskView{ID: task.id, Status: task.status, Tool: task.tool}
	switch task.status {
	case TaskRunning:
		view.ElapsedMS = time.Since(task.startedAt).Milliseconds()
	case TaskCompleted:
		if task.result != nil {
			view.Result = task.result.Value
		}
	case TaskFailed:
		view.Error = task.err
	}
	return view
}

// Wait blocks until the task settles or the timeout elapses, whichever is
// first, then reports the current status. A timer win never marks the task
// failed; callers just see it still running.
func (m *BackgroundManager) Wait(id string, timeout time.Duration) TaskView {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return TaskView{ID: id, Status: TaskNotFound}
	}
	settled := task.settled
	m.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-settled:
		case <-timer.C:
		}
	}

	return m.Status(id)
}

// Stop cancels a running task and marks it failed with "Stopped by user".
// Returns false when the task is absent or already terminal. The underlying
// execution is cancelled best-effort; its eventual settlement is discarded.
func (m *BackgroundManager) Stop(id string) bool {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.status != TaskRunning {
		m.mu.Unlock()
		return false
	}

	task.status = TaskFailed
	task.err = "Stopped by user"
	task.completedAt = time.Now()
	cancel := task.cancel
	close(task.settled)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.metrics.BackgroundTaskSettled(string(TaskFailed))
	m.logger.Info("background task stopped", "task_id", id)
	return true
}

// Cleanup erases settled tasks older than maxAge. Running tasks are never
// erased. Returns the number of erased tasks.
func (m *BackgroundManager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(maxAge)
}

func (m *BackgroundManager) cleanupLocked(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var kept []string
	removed := 0
	for _, id := range m.order {
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		if task.status != TaskRunning && !task.completedAt.IsZero() && task.completedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// List returns snapshots of all tracked tasks in creation order.
func (m *BackgroundManager) List() []TaskView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskView, 0, len(m.order))
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			out = append(out, taskView(task))
		}
	}
	return out
}
