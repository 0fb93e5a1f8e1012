package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

var archiveNamePattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArchiveStore tees appends into per-session JSONL files alongside the
// primary store, so the session archive tool can tail past conversations
// without a database handle. The primary store stays authoritative: archive
// write failures are logged, not surfaced.
type ArchiveStore struct {
	inner  Store
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewArchiveStore wraps inner, writing one <sessionID>.jsonl per session
// under dir.
func NewArchiveStore(inner Store, dir string, logger *slog.Logger) (*ArchiveStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveStore{
		inner:  inner,
		dir:    dir,
		logger: logger.With("component", "sessions.archive"),
	}, nil
}

// Append writes msg to the primary store, then appends one JSON line to the
// session's archive file.
func (s *ArchiveStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := s.inner.Append(ctx, sessionID, msg); err != nil {
		return err
	}
	if err := s.appendArchive(sessionID, msg); err != nil {
		s.logger.Warn("archive write failed", "session", sessionID, "error", err)
	}
	return nil
}

// History delegates to the primary store.
func (s *ArchiveStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.inner.History(ctx, sessionID, limit)
}

func (s *ArchiveStore) appendArchive(sessionID string, msg *models.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	path := filepath.Join(s.dir, archiveName(sessionID)+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// archiveName maps a session id to a safe filename stem.
func archiveName(sessionID string) string {
	name := archiveNamePattern.ReplaceAllString(sessionID, "_")
	if name == "" {
		name = "session"
	}
	return name
}
