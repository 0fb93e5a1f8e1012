// Package agent runs the main agent pump: a serial event loop that turns
// queued messages, task settlements, and self-prompts into LLM turns, routes
// intent tool calls, and delivers user-visible output only through the reply
// intent.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/builtin"
	"github.com/haasonsaas/relay/pkg/models"
)

// MainTaskID labels tool executions made on behalf of the main agent.
const MainTaskID = "main-agent"

const defaultPersona = "You are Relay, a personal agent. You are resourceful, direct, and honest about what you do not know."

// monologueContract is appended to every system prompt. The pump enforces
// it mechanically: plain assistant text is stored but never delivered.
const monologueContract = "Plain text you write is inner monologue: the user never sees it. " +
	"To say something to the user, call the reply tool. " +
	"Use spawn_task for work that should continue without blocking the conversation."

const apologyText = "Sorry, something went wrong while handling your message. Please try again."

// channelStyles adjust output conventions per channel type.
var channelStyles = map[models.ChannelType]string{
	models.ChannelCLI:      "Replies render in a terminal. Prefer short plain text; avoid markdown tables and images.",
	models.ChannelSchedule: "This turn was self-scheduled. No user is waiting; only reply if something genuinely needs attention.",
	models.ChannelTask:     "This turn reviews a task agent's result. Summarize for the user only if they asked to be told.",
}

// ReplyFunc delivers user-visible text back to the originating channel.
type ReplyFunc func(origin models.Origin, text, replyTo string)

// NotifyFunc receives out-of-band notifications raised via the notify intent.
type NotifyFunc func(level, message string)

// SkillLoader resolves a skill name to its instruction content.
type SkillLoader interface {
	Load(name string) (string, error)
}

// Config carries the pump's knobs. Zero values get defaults.
type Config struct {
	// Persona is the first section of every system prompt.
	Persona string

	// SessionID names the main conversation log. Defaults to "main".
	SessionID string

	// Model is forwarded to the provider; empty uses the provider default.
	Model string

	// MaxTokens bounds each LLM response.
	MaxTokens int

	// HistoryLimit caps how much session history each turn sees.
	HistoryLimit int

	// TurnTimeout bounds one queue item end to end. Defaults to 2 minutes.
	TurnTimeout time.Duration

	// AllowedPaths, MemoryDir, and SessionDir populate the tool context
	// for main-agent executions.
	AllowedPaths []string
	MemoryDir    string
	SessionDir   string
}

func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "main"
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	return &cfg
}

// Pump serializes heterogeneous events into LLM turns.
//
// Exactly one item is processed at a time; Enqueue* methods are safe from
// any goroutine and never block. Each think item produces at most one LLM
// call, and tool turns cascade by re-queuing a think, so external events can
// interleave between turns.
type Pump struct {
	provider providers.Provider
	registry *tools.Registry
	executor *tools.Executor
	store    sessions.Store
	tasks    *tasks.Manager
	skills   SkillLoader
	extract  tools.ExtractFunc

	background *tools.BackgroundManager
	logger     *slog.Logger
	metrics    *observability.Metrics
	cfg        *Config
	queue      *queue

	mu            sync.Mutex
	onReply       ReplyFunc
	onNotify      NotifyFunc
	lastOrigin    models.Origin
	pendingSkills []loadedSkill
}

type loadedSkill struct {
	name    string
	content string
}

// Option configures a Pump.
type Option func(*Pump)

// WithLogger sets the pump logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// WithTasks wires the task system for spawn_task interception.
func WithTasks(m *tasks.Manager) Option {
	return func(p *Pump) { p.tasks = m }
}

// WithSkills wires the skill source for use_skill routing.
func WithSkills(s SkillLoader) Option {
	return func(p *Pump) { p.skills = s }
}

// WithBackground grants tools access to the background execution pool.
func WithBackground(m *tools.BackgroundManager) Option {
	return func(p *Pump) { p.background = m }
}

// WithExecutor overrides the tool executor. Mainly for tests.
func WithExecutor(e *tools.Executor) Option {
	return func(p *Pump) { p.executor = e }
}

// WithExtract grants tools the content-extraction capability.
func WithExtract(fn tools.ExtractFunc) Option {
	return func(p *Pump) { p.extract = fn }
}

// NewPump assembles the pump. provider, registry, and store are required.
func NewPump(provider providers.Provider, registry *tools.Registry, store sessions.Store, cfg *Config, opts ...Option) *Pump {
	p := &Pump{
		provider: provider,
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		cfg:      cfg.withDefaults(),
		queue:    &queue{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = tools.NewExecutor(registry,
			tools.WithLogger(p.logger),
			tools.WithMetrics(p.metrics),
		)
	}
	p.logger = p.logger.With("component", "pump")
	return p
}

// OnReply registers the single reply callback. The pump holds no channel
// transport knowledge; delivery is entirely the callback's business.
func (p *Pump) OnReply(fn ReplyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReply = fn
}

// OnNotify registers the notification callback. Without one, notify intents
// are logged and dropped.
func (p *Pump) OnNotify(fn NotifyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNotify = fn
}

// EnqueueMessage pushes an inbound user message.
func (p *Pump) EnqueueMessage(text string, origin models.Origin) {
	p.enqueue(&QueueItem{Kind: ItemMessage, Text: text, Origin: origin})
}

// EnqueueTaskResult pushes a task settlement. Its signature matches
// tasks.CompletionFunc so it can be registered directly via OnCompletion.
func (p *Pump) EnqueueTaskResult(c tasks.Completion) {
	p.enqueue(&QueueItem{
		Kind:   ItemTaskResult,
		Origin: c.Origin,
		TaskID: c.TaskID,
		Failed: c.Failed,
		Output: c.Output,
	})
}

// EnqueueThink pushes a bare think step, used by the scheduler for
// self-prompts.
func (p *Pump) EnqueueThink(origin models.Origin) {
	p.enqueue(&QueueItem{Kind: ItemThink, Origin: origin})
}

func (p *Pump) enqueue(item *QueueItem) {
	claimed := p.queue.push(item)
	p.metrics.SetQueueDepth(p.queue.depth())
	if claimed {
		go p.drain()
	}
}

// WaitIdle blocks until the queue drains or the timeout expires. Used for
// graceful shutdown.
func (p *Pump) WaitIdle(timeout time.Duration) bool {
	return p.queue.waitIdle(timeout)
}

func (p *Pump) drain() {
	for {
		item, ok := p.queue.pop()
		if !ok {
			return
		}
		p.metrics.SetQueueDepth(p.queue.depth())
		p.processItem(item)
	}
}

func (p *Pump) processItem(item *QueueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TurnTimeout)
	defer cancel()

	var err error
	switch item.Kind {
	case ItemMessage:
		err = p.handleMessage(ctx, item)
	case ItemTaskResult:
		err = p.handleTaskResult(ctx, item)
	case ItemThink:
		err = p.handleThink(ctx, item)
	default:
		p.logger.Warn("dropping unknown queue item", "kind", item.Kind)
		return
	}
	if err == nil {
		return
	}

	p.logger.Error("queue item failed", "kind", item.Kind, "error", err)
	p.metrics.RecordError("pump", string(item.Kind))
	// Only inbound messages get a synthesized apology; failed thinks stay
	// silent so the model can decide to reply on the next turn.
	if item.Kind == ItemMessage {
		p.dispatchReply(item.Origin, apologyText, "")
	}
}

func (p *Pump) handleMessage(ctx context.Context, item *QueueItem) error {
	msg := &models.Message{
		ID:      uuid.NewString(),
		Role:    models.RoleUser,
		Content: item.Text,
		Metadata: map[string]any{
			"channel": string(item.Origin.Channel),
			"chat_id": item.Origin.ChatID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.Append(ctx, p.cfg.SessionID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	p.metrics.MessageProcessed(string(item.Origin.Channel), "in")

	p.mu.Lock()
	p.lastOrigin = item.Origin
	p.mu.Unlock()

	p.queue.push(&QueueItem{Kind: ItemThink, Origin: item.Origin})
	return nil
}

func (p *Pump) handleTaskResult(ctx context.Context, item *QueueItem) error {
	verdict := "completed"
	if item.Failed {
		verdict = "failed"
	}
	msg := &models.Message{
		ID:      uuid.NewString(),
		Role:    models.RoleUser,
		Content: fmt.Sprintf("[Task %s %s]\n%s", item.TaskID, verdict, item.Output),
		Metadata: map[string]any{
			"type":   "task_result",
			"taskId": item.TaskID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.Append(ctx, p.cfg.SessionID, msg); err != nil {
		return fmt.Errorf("append task result: %w", err)
	}

	origin := item.Origin
	if origin.Channel == "" {
		origin = p.lastKnownOrigin()
	}
	p.queue.push(&QueueItem{Kind: ItemThink, Origin: origin})
	return nil
}

// handleThink runs exactly one LLM turn. Tool turns cascade by pushing a
// fresh think item rather than looping in place.
func (p *Pump) handleThink(ctx context.Context, item *QueueItem) error {
	history, err := p.store.History(ctx, p.cfg.SessionID, p.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		p.logger.Debug("think on empty session, skipping")
		return nil
	}

	req := &providers.Request{
		Model:     p.cfg.Model,
		System:    p.systemPrompt(item.Origin),
		Messages:  history,
		Tools:     p.registry.Descriptors(),
		MaxTokens: p.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := p.provider.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordLLMRequest(p.provider.Name(), p.cfg.Model, status, time.Since(start).Seconds(), respInputTokens(resp), respOutputTokens(resp))
	if err != nil {
		return fmt.Errorf("llm turn: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return nil
		}
		// Inner monologue: stored, never delivered.
		return p.appendAssistant(ctx, resp, nil)
	}

	if err := p.appendAssistant(ctx, resp, resp.ToolCalls); err != nil {
		return err
	}
	for _, call := range resp.ToolCalls {
		if err := p.dispatchToolCall(ctx, call, item.Origin); err != nil {
			return err
		}
	}
	p.queue.push(&QueueItem{Kind: ItemThink, Origin: item.Origin})
	return nil
}

func (p *Pump) appendAssistant(ctx context.Context, resp *providers.Response, calls []models.ToolCall) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: calls,
		Metadata: map[string]any{
			"stop_reason":   resp.StopReason,
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.Append(ctx, p.cfg.SessionID, msg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

// dispatchToolCall routes one tool call: reply and spawn are intercepted,
// everything else goes through the executor; action-tagged results are
// routed upstream after execution.
func (p *Pump) dispatchToolCall(ctx context.Context, call models.ToolCall, origin models.Origin) error {
	switch call.Name {
	case "reply":
		return p.interceptReply(ctx, call, origin)
	case "spawn_task", "spawn_subagent":
		return p.interceptSpawn(ctx, call, origin)
	}

	result := p.executor.Execute(ctx, call, p.toolContext(origin), nil)
	if !result.Success {
		return p.appendToolResult(ctx, call.ID, "Error: "+result.Error, true)
	}
	p.routeAction(result, origin)
	return p.appendToolResult(ctx, call.ID, marshalValue(result.Value), false)
}

func (p *Pump) interceptReply(ctx context.Context, call models.ToolCall, origin models.Origin) error {
	text, _ := call.Arguments["text"].(string)
	if strings.TrimSpace(text) == "" {
		return p.appendToolResult(ctx, call.ID, "Error: text is required", true)
	}
	replyTo, _ := call.Arguments["reply_to"].(string)

	if err := p.appendToolResult(ctx, call.ID, `{"delivered":true}`, false); err != nil {
		return err
	}
	p.dispatchReply(origin, text, replyTo)
	p.metrics.MessageProcessed(string(origin.Channel), "out")
	return nil
}

func (p *Pump) interceptSpawn(ctx context.Context, call models.ToolCall, origin models.Origin) error {
	if p.tasks == nil {
		return p.appendToolResult(ctx, call.ID, "Error: task system is not configured", true)
	}
	description, _ := call.Arguments["description"].(string)
	input, _ := call.Arguments["input"].(string)

	task, err := p.tasks.Spawn(description, input, origin)
	if err != nil {
		return p.appendToolResult(ctx, call.ID, "Error: "+err.Error(), true)
	}
	payload, _ := json.Marshal(map[string]string{"taskId": task.ID, "status": "spawned"})
	return p.appendToolResult(ctx, call.ID, string(payload), false)
}

// routeAction forwards intent results that executed through the generic
// path: notifications fan out, skills load into the next think.
func (p *Pump) routeAction(result *tools.Result, origin models.Origin) {
	switch result.Action {
	case "":
		return
	case builtin.ActionNotify:
		payload, ok := result.Value.(builtin.NotifyPayload)
		if !ok {
			return
		}
		p.mu.Lock()
		notify := p.onNotify
		p.mu.Unlock()
		if notify != nil {
			notify(payload.Level, payload.Message)
			return
		}
		p.logger.Info("notification", "level", payload.Level, "message", payload.Message)
	case builtin.ActionUseSkill:
		payload, ok := result.Value.(builtin.SkillPayload)
		if !ok {
			return
		}
		p.loadSkill(payload.Skill)
	}
}

func (p *Pump) loadSkill(name string) {
	if p.skills == nil {
		p.logger.Warn("use_skill with no skill source", "skill", name)
		return
	}
	content, err := p.skills.Load(name)
	if err != nil {
		p.logger.Warn("skill load failed", "skill", name, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.pendingSkills {
		if s.name == name {
			return
		}
	}
	p.pendingSkills = append(p.pendingSkills, loadedSkill{name: name, content: content})
}

func (p *Pump) appendToolResult(ctx context.Context, callID, content string, isError bool) error {
	msg := &models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: callID,
		CreatedAt:  time.Now().UTC(),
	}
	if isError {
		msg.Metadata = map[string]any{"is_error": true}
	}
	if err := p.store.Append(ctx, p.cfg.SessionID, msg); err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	return nil
}

func (p *Pump) dispatchReply(origin models.Origin, text, replyTo string) {
	p.mu.Lock()
	reply := p.onReply
	p.mu.Unlock()
	if reply == nil {
		p.logger.Warn("reply with no callback registered", "channel", origin.Channel)
		return
	}
	reply(origin, text, replyTo)
}

// systemPrompt assembles persona, channel style, the inner monologue
// contract, and any skills loaded for this turn. Loaded skills apply to
// exactly one think step.
func (p *Pump) systemPrompt(origin models.Origin) string {
	var b strings.Builder
	b.WriteString(p.cfg.Persona)
	if style, ok := channelStyles[origin.Channel]; ok {
		b.WriteString("\n\n")
		b.WriteString(style)
	}
	b.WriteString("\n\n")
	b.WriteString(monologueContract)

	for _, skill := range p.takePendingSkills() {
		b.WriteString("\n\n## Skill: ")
		b.WriteString(skill.name)
		b.WriteString("\n")
		b.WriteString(skill.content)
	}
	return b.String()
}

func (p *Pump) takePendingSkills() []loadedSkill {
	p.mu.Lock()
	defer p.mu.Unlock()
	skills := p.pendingSkills
	p.pendingSkills = nil
	return skills
}

func (p *Pump) lastKnownOrigin() models.Origin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOrigin
}

func (p *Pump) toolContext(origin models.Origin) *tools.Context {
	return &tools.Context{
		TaskID:       MainTaskID,
		UserID:       origin.ChatID,
		AllowedPaths: p.cfg.AllowedPaths,
		MemoryDir:    p.cfg.MemoryDir,
		SessionDir:   p.cfg.SessionDir,
		Background:   p.background,
		Extract:      p.extract,
	}
}

// marshalValue renders a tool result value for the transcript as JSON.
func marshalValue(value any) string {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(payload)
}

func respInputTokens(resp *providers.Response) int {
	if resp == nil {
		return 0
	}
	return resp.Usage.InputTokens
}

func respOutputTokens(resp *providers.Response) int {
	if resp == nil {
		return 0
	}
	return resp.Usage.OutputTokens
}
