package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/tools"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 5 * time.Minute
)

type taskIDParams struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Background task id returned by run_background"`
}

// TaskStatusTool polls a background task without blocking.
type TaskStatusTool struct{}

func NewTaskStatusTool() *TaskStatusTool { return &TaskStatusTool{} }

func (t *TaskStatusTool) Name() string { return "task_status" }

func (t *TaskStatusTool) Description() string {
	return "Check the status of a background task. Returns the result once the task has settled."
}

func (t *TaskStatusTool) Category() string { return "background" }

func (t *TaskStatusTool) Schema() json.RawMessage { return tools.SchemaFor[taskIDParams]() }

func (t *TaskStatusTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	id, res := decodeTaskID(args, tc)
	if res != nil {
		return res, nil
	}
	view := tc.Background.Status(id)
	if view.Status == tools.TaskNotFound {
		return tools.Failf(tools.ErrorNotFound, "no background task %q", id), nil
	}
	return tools.OK(view), nil
}

type taskWaitParams struct {
	TaskID         string `json:"task_id" jsonschema:"required,description=Background task id returned by run_background"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=How long to wait for settlement (default 30, max 300)"`
}

// TaskWaitTool blocks until a background task settles or the wait expires.
// An expired wait is not an error: the view simply still reads running.
type TaskWaitTool struct{}

func NewTaskWaitTool() *TaskWaitTool { return &TaskWaitTool{} }

func (t *TaskWaitTool) Name() string { return "task_wait" }

func (t *TaskWaitTool) Description() string {
	return "Wait for a background task to finish, up to a timeout. Returns the latest snapshot either way."
}

func (t *TaskWaitTool) Category() string { return "background" }

func (t *TaskWaitTool) Schema() json.RawMessage { return tools.SchemaFor[taskWaitParams]() }

func (t *TaskWaitTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p taskWaitParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.TaskID) == "" {
		return tools.Fail(tools.ErrorValidation, "task_id is required"), nil
	}
	if tc == nil || tc.Background == nil {
		return tools.Fail(tools.ErrorPermission, "background execution is not granted"), nil
	}

	wait := defaultWait
	if p.TimeoutSeconds > 0 {
		wait = time.Duration(p.TimeoutSeconds) * time.Second
	}
	if wait > maxWait {
		wait = maxWait
	}
	view := tc.Background.Wait(p.TaskID, wait)
	if view.Status == tools.TaskNotFound {
		return tools.Failf(tools.ErrorNotFound, "no background task %q", p.TaskID), nil
	}
	return tools.OK(view), nil
}

// TaskStopTool cancels a running background task. Stopping an already
// settled task reports stopped=false rather than failing.
type TaskStopTool struct{}

func NewTaskStopTool() *TaskStopTool { return &TaskStopTool{} }

func (t *TaskStopTool) Name() string { return "task_stop" }

func (t *TaskStopTool) Description() string {
	return "Stop a running background task. Settled tasks are left as they are."
}

func (t *TaskStopTool) Category() string { return "background" }

func (t *TaskStopTool) Schema() json.RawMessage { return tools.SchemaFor[taskIDParams]() }

func (t *TaskStopTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	id, res := decodeTaskID(args, tc)
	if res != nil {
		return res, nil
	}
	if tc.Background.Status(id).Status == tools.TaskNotFound {
		return tools.Failf(tools.ErrorNotFound, "no background task %q", id), nil
	}
	stopped := tc.Background.Stop(id)
	return tools.OK(map[string]any{"task_id": id, "stopped": stopped}), nil
}

type runBackgroundParams struct {
	Tool           string         `json:"tool" jsonschema:"required,description=Name of the registered tool to run"`
	Args           map[string]any `json:"args,omitempty" jsonschema:"description=Arguments forwarded to the tool"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" jsonschema:"description=Execution deadline in seconds (default 30)"`
}

// RunBackgroundTool fires any registered tool into the background pool and
// returns its id immediately. Poll with task_status or block with task_wait.
type RunBackgroundTool struct{}

func NewRunBackgroundTool() *RunBackgroundTool { return &RunBackgroundTool{} }

func (t *RunBackgroundTool) Name() string { return "run_background" }

func (t *RunBackgroundTool) Description() string {
	return "Run another tool in the background and return a task id immediately instead of blocking."
}

func (t *RunBackgroundTool) Category() string { return "background" }

func (t *RunBackgroundTool) Schema() json.RawMessage { return tools.SchemaFor[runBackgroundParams]() }

func (t *RunBackgroundTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p runBackgroundParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	name := strings.TrimSpace(p.Tool)
	if name == "" {
		return tools.Fail(tools.ErrorValidation, "tool is required"), nil
	}
	if name == t.Name() {
		return tools.Fail(tools.ErrorValidation, "run_background cannot background itself"), nil
	}
	if tc == nil || tc.Background == nil {
		return tools.Fail(tools.ErrorPermission, "background execution is not granted"), nil
	}

	var timeout time.Duration
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	id := tc.Background.Run(name, p.Args, tc, timeout)
	return tools.OK(map[string]any{"task_id": id, "status": string(tools.TaskRunning)}), nil
}

func decodeTaskID(args map[string]any, tc *tools.Context) (string, *tools.Result) {
	var p taskIDParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return "", tools.Fail(tools.ErrorValidation, err.Error())
	}
	if strings.TrimSpace(p.TaskID) == "" {
		return "", tools.Fail(tools.ErrorValidation, "task_id is required")
	}
	if tc == nil || tc.Background == nil {
		return "", tools.Fail(tools.ErrorPermission, "background execution is not granted")
	}
	return p.TaskID, nil
}
