// Package schedule drives self-prompts into the agent pump on cron
// expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// Pump is the slice of the agent pump the scheduler drives.
type Pump interface {
	EnqueueMessage(text string, origin models.Origin)
	EnqueueThink(origin models.Origin)
}

// Entry is one scheduled self-prompt. An empty Prompt enqueues a bare think
// step; otherwise the prompt is delivered as a schedule-channel message.
type Entry struct {
	Name   string
	Cron   string
	Prompt string
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Scheduler fires configured entries into the pump.
type Scheduler struct {
	pump    Pump
	logger  *slog.Logger
	entries []Entry

	mu     sync.Mutex
	runner *cron.Cron
}

// NewScheduler validates every entry's cron expression up front so a typo
// fails at startup rather than silently never firing.
func NewScheduler(pump Pump, entries []Entry, logger *slog.Logger) (*Scheduler, error) {
	if pump == nil {
		return nil, fmt.Errorf("pump is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.Cron) == "" {
			return nil, fmt.Errorf("schedule %q: cron expression is required", entry.Name)
		}
		if _, err := cronParser.Parse(entry.Cron); err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", entry.Name, err)
		}
	}
	return &Scheduler{
		pump:    pump,
		logger:  logger.With("component", "schedule"),
		entries: entries,
	}, nil
}

// Entries returns the configured entries.
func (s *Scheduler) Entries() []Entry {
	return s.entries
}

// Start registers every entry and begins firing. Calling Start twice is a
// no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return nil
	}

	runner := cron.New(cron.WithParser(cronParser))
	for _, entry := range s.entries {
		entry := entry
		if _, err := runner.AddFunc(entry.Cron, func() { s.fire(entry) }); err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
		s.logger.Info("schedule registered", "name", entry.Name, "cron", entry.Cron)
	}
	runner.Start()
	s.runner = runner
	return nil
}

// Stop halts the scheduler and waits for in-flight fires to finish, bounded
// by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()
	if runner == nil {
		return nil
	}

	done := runner.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(entry Entry) {
	origin := models.Origin{Channel: models.ChannelSchedule, ChatID: entry.Name}
	s.logger.Info("schedule fired", "name", entry.Name)
	if strings.TrimSpace(entry.Prompt) == "" {
		s.pump.EnqueueThink(origin)
		return
	}
	s.pump.EnqueueMessage(entry.Prompt, origin)
}
