package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
)

// Intent actions the pump pattern-matches on. An intent tool does no work
// of its own: it settles immediately with an action-tagged result, and the
// pump routes the payload (delivery, spawning, notification, skill load).
const (
	ActionReply    = "reply"
	ActionSpawn    = "spawn_task"
	ActionNotify   = "notify"
	ActionUseSkill = "use_skill"
	ActionArchive  = "session_archive_read"
)

// ReplyPayload is the value carried on a reply signal.
type ReplyPayload struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// SpawnPayload is the value carried on a spawn_task signal.
type SpawnPayload struct {
	Description string `json:"description"`
	Input       string `json:"input,omitempty"`
}

// NotifyPayload is the value carried on a notify signal.
type NotifyPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// SkillPayload is the value carried on a use_skill signal.
type SkillPayload struct {
	Skill  string `json:"skill"`
	Reason string `json:"reason,omitempty"`
}

type replyParams struct {
	Text    string `json:"text" jsonschema:"required,description=Message text delivered to the user verbatim"`
	ReplyTo string `json:"reply_to,omitempty" jsonschema:"description=Optional id of the message being answered"`
}

// ReplyTool is the only path to user-visible output. Plain assistant text
// is inner monologue and never delivered.
type ReplyTool struct{}

func NewReplyTool() *ReplyTool { return &ReplyTool{} }

func (t *ReplyTool) Name() string { return "reply" }

func (t *ReplyTool) Description() string {
	return "Send a message to the user. This is the only way to produce user-visible output; plain text responses are never delivered."
}

func (t *ReplyTool) Category() string { return "intent" }

func (t *ReplyTool) Schema() json.RawMessage { return tools.SchemaFor[replyParams]() }

func (t *ReplyTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p replyParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.Text) == "" {
		return tools.Fail(tools.ErrorValidation, "text is required"), nil
	}
	return tools.Signal(ActionReply, ReplyPayload{Text: p.Text, ReplyTo: p.ReplyTo}), nil
}

type spawnParams struct {
	Description string `json:"description" jsonschema:"required,description=What the task agent should accomplish"`
	Input       string `json:"input,omitempty" jsonschema:"description=Supporting input or data for the task"`
}

// SpawnTaskTool hands heavy work to a task agent. The pump intercepts the
// signal, spawns through the task manager, and pushes a task_result back
// onto the queue when the agent settles.
type SpawnTaskTool struct {
	name string
}

func NewSpawnTaskTool() *SpawnTaskTool { return &SpawnTaskTool{name: "spawn_task"} }

// NewSubagentTool returns the same intent under the legacy spawn_subagent
// name so older prompts keep working.
func NewSubagentTool() *SpawnTaskTool { return &SpawnTaskTool{name: "spawn_subagent"} }

func (t *SpawnTaskTool) Name() string { return t.name }

func (t *SpawnTaskTool) Description() string {
	return "Delegate a self-contained piece of work to a background task agent. Returns a task id immediately; the result arrives as a later event."
}

func (t *SpawnTaskTool) Category() string { return "intent" }

func (t *SpawnTaskTool) Schema() json.RawMessage { return tools.SchemaFor[spawnParams]() }

func (t *SpawnTaskTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p spawnParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.Description) == "" {
		return tools.Fail(tools.ErrorValidation, "description is required"), nil
	}
	return tools.Signal(ActionSpawn, SpawnPayload{Description: p.Description, Input: p.Input}), nil
}

type notifyParams struct {
	Message string `json:"message" jsonschema:"required,description=Notification text"`
	Level   string `json:"level,omitempty" jsonschema:"enum=info,enum=warning,enum=urgent,description=Urgency of the notification (default info)"`
}

// NotifyTool raises an out-of-band notification. Routing is up to the
// pump's notify callback; without one the signal is logged and dropped.
type NotifyTool struct{}

func NewNotifyTool() *NotifyTool { return &NotifyTool{} }

func (t *NotifyTool) Name() string { return "notify" }

func (t *NotifyTool) Description() string {
	return "Raise a notification outside the normal conversation flow, e.g. to flag something urgent."
}

func (t *NotifyTool) Category() string { return "intent" }

func (t *NotifyTool) Schema() json.RawMessage { return tools.SchemaFor[notifyParams]() }

func (t *NotifyTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p notifyParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.Message) == "" {
		return tools.Fail(tools.ErrorValidation, "message is required"), nil
	}
	level := p.Level
	switch level {
	case "":
		level = "info"
	case "info", "warning", "urgent":
	default:
		return tools.Failf(tools.ErrorValidation, "unknown level %q", p.Level), nil
	}
	return tools.Signal(ActionNotify, NotifyPayload{Message: p.Message, Level: level}), nil
}

type useSkillParams struct {
	Skill  string `json:"skill" jsonschema:"required,description=Name of the skill to load"`
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the skill is needed now"`
}

// UseSkillTool asks the pump to fold a named skill's instructions into the
// next think step's system prompt.
type UseSkillTool struct{}

func NewUseSkillTool() *UseSkillTool { return &UseSkillTool{} }

func (t *UseSkillTool) Name() string { return "use_skill" }

func (t *UseSkillTool) Description() string {
	return "Load a skill by name so its instructions apply to the next reasoning step."
}

func (t *UseSkillTool) Category() string { return "intent" }

func (t *UseSkillTool) Schema() json.RawMessage { return tools.SchemaFor[useSkillParams]() }

func (t *UseSkillTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p useSkillParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.Skill) == "" {
		return tools.Fail(tools.ErrorValidation, "skill is required"), nil
	}
	return tools.Signal(ActionUseSkill, SkillPayload{Skill: p.Skill, Reason: p.Reason}), nil
}

type archiveParams struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Archived session to read; omit to list available archives"`
	Limit     int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return (default 50)"`
}

// ArchiveEntry is one line of an archived session transcript.
type ArchiveEntry struct {
	SessionID string `json:"session_id"`
	Line      string `json:"line"`
}

// SessionArchiveTool reads transcripts the session store has rotated out
// of the live window. Archives live as one .jsonl file per session under
// the granted session directory.
type SessionArchiveTool struct{}

func NewSessionArchiveTool() *SessionArchiveTool { return &SessionArchiveTool{} }

func (t *SessionArchiveTool) Name() string { return "session_archive_read" }

func (t *SessionArchiveTool) Description() string {
	return "Read archived session transcripts that fell out of the live history window. Without a session_id, lists available archives."
}

func (t *SessionArchiveTool) Category() string { return "intent" }

func (t *SessionArchiveTool) Schema() json.RawMessage { return tools.SchemaFor[archiveParams]() }

func (t *SessionArchiveTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p archiveParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if tc == nil || tc.SessionDir == "" {
		return tools.Fail(tools.ErrorPermission, "session archive access is not granted"), nil
	}

	if strings.TrimSpace(p.SessionID) == "" {
		ids, err := listArchives(tc.SessionDir)
		if err != nil {
			return tools.Failf(tools.ErrorUnknown, "list archives: %v", err), nil
		}
		res := tools.Signal(ActionArchive, map[string]any{"sessions": ids, "count": len(ids)})
		return res, nil
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	lines, err := readArchiveTail(tc.SessionDir, p.SessionID, limit)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Failf(tools.ErrorNotFound, "no archive for session %q", p.SessionID), nil
		}
		return tools.Failf(tools.ErrorUnknown, "read archive: %v", err), nil
	}
	entries := make([]ArchiveEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, ArchiveEntry{SessionID: p.SessionID, Line: line})
	}
	return tools.Signal(ActionArchive, map[string]any{"session_id": p.SessionID, "entries": entries, "count": len(entries)}), nil
}

func listArchives(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// readArchiveTail returns the last limit lines of the session's archive.
func readArchiveTail(dir, sessionID string, limit int) ([]string, error) {
	// Session ids become file names; refuse anything that could escape.
	if strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(filepath.Join(dir, sessionID+".jsonl"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
