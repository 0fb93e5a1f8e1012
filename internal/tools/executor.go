package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// MaxToolTimeout caps every tool execution deadline, including explicit
// per-call requests.
const MaxToolTimeout = 10 * time.Minute

// DefaultToolTimeout applies when neither the call nor the executor
// configuration requests one.
const DefaultToolTimeout = 30 * time.Second

// ExecutorConfig configures executor behavior.
type ExecutorConfig struct {
	// DefaultTimeout is the deadline for calls that don't request one.
	// Default: 30s.
	DefaultTimeout time.Duration

	// MaxConcurrency limits parallel tool executions across callers.
	// Default: 8.
	MaxConcurrency int
}

// Executor runs validated, deadline-bounded tool executions and emits
// lifecycle events. It never returns a Go error to the caller: every outcome
// is a settled Result.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	sink     EventSink
	logger   *slog.Logger
	metrics  *observability.Metrics

	sem chan struct{}
}

// ExecutorOption customizes a new Executor.
type ExecutorOption func(*Executor)

// WithEventSink routes lifecycle events to sink instead of discarding them.
func WithEventSink(sink EventSink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics wires execution counters into the metrics registry.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithDefaultTimeout overrides the default per-call deadline.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.config.DefaultTimeout = d
		}
	}
}

// WithMaxConcurrency overrides the parallel execution limit.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.config.MaxConcurrency = n
		}
	}
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		config: ExecutorConfig{
			DefaultTimeout: DefaultToolTimeout,
			MaxConcurrency: 8,
		},
		sink:   DiscardSink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	e.sem = make(chan struct{}, e.config.MaxConcurrency)
	return e
}

// Options tunes a single execution.
type Options struct {
	// Timeout requests a per-call deadline. Zero means the executor
	// default; values above MaxToolTimeout are clamped down to it.
	Timeout time.Duration
}

// EffectiveTimeout resolves the deadline for one call.
func (e *Executor) EffectiveTimeout(opts *Options) time.Duration {
	timeout := e.config.DefaultTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout > MaxToolTimeout {
		timeout = MaxToolTimeout
	}
	return timeout
}

// Execute runs one tool call to a settled result.
//
// The pipeline: emit TOOL_CALL_REQUESTED, resolve the tool, validate
// arguments, race the tool against the effective deadline, record call
// statistics. Failures of every shape (missing tool, bad arguments, timeout,
// tool error, panic) come back as a failed Result, never a Go error.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, tc *Context, opts *Options) *Result {
	start := time.Now()
	taskID := ""
	if tc != nil {
		taskID = tc.TaskID
	}

	e.sink.Emit(Event{
		Type:     EventToolCallRequested,
		ToolName: call.Name,
		TaskID:   taskID,
		CallID:   call.ID,
		At:       start,
	})

	result := e.run(ctx, call, tc, opts)
	result.StartedAt = start
	result.CompletedAt = time.Now()

	e.registry.RecordCall(call.Name, result.Duration(), result.Success)

	status := "success"
	if !result.Success {
		status = "error"
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"task_id", taskID,
			"kind", result.Kind,
			"error", result.Error,
			"duration_ms", result.DurationMS(),
		)
	} else {
		e.logger.Debug("tool execution completed",
			"tool", call.Name,
			"task_id", taskID,
			"duration_ms", result.DurationMS(),
		)
	}
	e.metrics.RecordToolExecution(call.Name, status, result.Duration().Seconds())

	return result
}

// run performs lookup, validation, and the deadline race.
func (e *Executor) run(ctx context.Context, call models.ToolCall, tc *Context, opts *Options) *Result {
	if len(call.Name) > MaxToolNameLength {
		return Failf(ErrorValidation, "tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if encoded, err := json.Marshal(call.Arguments); err == nil && len(encoded) > MaxToolArgsSize {
		return Failf(ErrorValidation, "tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return Failf(ErrorNotFound, "Tool %q not found", call.Name)
	}

	if err := ValidateArgs(tool.Schema(), call.Arguments); err != nil {
		return Failf(ErrorValidation, "Parameter validation failed: %v", err)
	}

	// Backpressure across concurrent callers.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return Failf(ErrorUnknown, "tool execution cancelled: %v", ctx.Err())
	}

	timeout := e.EffectiveTimeout(opts)
	return e.executeWithTimeout(ctx, tool, call, tc, timeout)
}

// executeWithTimeout races the tool against the deadline. Cancellation of
// the tool is best-effort: the deadline context is cancelled but the
// goroutine is not awaited.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, tc *Context, timeout time.Duration) *Result {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *Result
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				resultCh <- execResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()

		result, err := tool.Execute(execCtx, call.Arguments, tc)
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return Fail(classifyError(res.err), res.err.Error())
		}
		if res.result == nil {
			return Fail(ErrorUnknown, "tool returned no result")
		}
		if !res.result.Success && res.result.Kind == "" {
			res.result.Kind = ErrorUnknown
		}
		return res.result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled; not a deadline.
			return Failf(ErrorUnknown, "tool execution cancelled: %v", ctx.Err())
		}
		return Failf(ErrorTimeout, "Tool execution timed out after %dms", timeout.Milliseconds())
	}
}

// EmitCompletion publishes the terminal lifecycle event for a settled
// result. Callers that care about completion events invoke it once per
// execution; the executor itself only emits the request event.
func (e *Executor) EmitCompletion(toolName string, result *Result, tc *Context) {
	taskID := ""
	if tc != nil {
		taskID = tc.TaskID
	}

	ev := Event{
		ToolName: toolName,
		TaskID:   taskID,
		At:       time.Now(),
	}
	if result != nil && result.Success {
		ev.Type = EventToolCallCompleted
		ev.Result = result
	} else {
		ev.Type = EventToolCallFailed
		if result != nil {
			ev.Error = result.Error
		}
	}
	e.sink.Emit(ev)
}
