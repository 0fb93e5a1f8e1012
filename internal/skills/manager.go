package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Manager discovers skills under a single directory and serves their
// content to the agent. A skill is either <dir>/<skill>/SKILL.md or a flat
// <dir>/<name>.md, both carrying YAML front matter.
type Manager struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	skills map[string]*Skill

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchPaths  map[string]struct{}
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates a manager rooted at dir. The directory does not have
// to exist yet; Discover treats a missing directory as empty.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		logger:   logger.With("component", "skills"),
		debounce: defaultWatchDebounce,
		skills:   make(map[string]*Skill),
	}
}

// Discover rescans the skills directory and replaces the in-memory set.
func (m *Manager) Discover(ctx context.Context) error {
	found, err := m.scan(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.skills = found
	m.mu.Unlock()

	m.logger.Info("discovered skills", "count", len(found), "dir", m.dir)

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("refresh skill watches failed", "error", err)
	}
	return nil
}

func (m *Manager) scan(ctx context.Context) (map[string]*Skill, error) {
	info, err := os.Stat(m.dir)
	if os.IsNotExist(err) {
		m.logger.Debug("skills directory does not exist", "dir", m.dir)
		return map[string]*Skill{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", m.dir)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	found := make(map[string]*Skill)
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		path := m.entryFile(entry)
		if path == "" {
			continue
		}
		skill, err := ParseFile(path)
		if err != nil {
			m.logger.Warn("skipping invalid skill", "path", path, "error", err)
			continue
		}
		if prev, ok := found[skill.Name]; ok {
			m.logger.Warn("duplicate skill name",
				"name", skill.Name, "kept", prev.Path, "ignored", path)
			continue
		}
		found[skill.Name] = skill
	}
	return found, nil
}

// entryFile maps a directory entry to its skill definition file, or ""
// when the entry is not a skill.
func (m *Manager) entryFile(entry os.DirEntry) string {
	name := entry.Name()
	if strings.HasPrefix(name, ".") {
		return ""
	}
	if entry.IsDir() {
		path := filepath.Join(m.dir, name, SkillFilename)
		if _, err := os.Stat(path); err != nil {
			return ""
		}
		return path
	}
	if strings.HasSuffix(name, ".md") && name != SkillFilename {
		return filepath.Join(m.dir, name)
	}
	return ""
}

// Get returns a skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	return skill, ok
}

// List returns all discovered skills sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Skill, 0, len(m.skills))
	for _, skill := range m.skills {
		result = append(result, skill)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Load returns the markdown content of a skill. It satisfies the agent's
// skill loader interface.
func (m *Manager) Load(name string) (string, error) {
	m.mu.RLock()
	skill, ok := m.skills[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("skill not found: %s", name)
	}
	return skill.Content, nil
}

// Watch starts watching the skills directory and rescans on changes.
// Calling Watch twice is a no-op.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	m.watchPaths = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("initial skill watch refresh failed", "error", err)
	}

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops any active watcher.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watchWg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	debounce := m.debounce
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRescan := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := m.Discover(context.Background()); err != nil {
				m.logger.Warn("skill rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Watch new skill directories right away so writes inside
			// them are seen before the rescan lands.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					m.addWatch(filepath.Clean(event.Name))
				}
			}
			scheduleRescan()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

// refreshWatches reconciles watched paths with the root directory plus
// every discovered skill's directory.
func (m *Manager) refreshWatches() error {
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	desired := make(map[string]struct{})
	if info, err := os.Stat(m.dir); err == nil && info.IsDir() {
		desired[filepath.Clean(m.dir)] = struct{}{}
	}
	m.mu.RLock()
	for _, skill := range m.skills {
		dir := filepath.Clean(filepath.Dir(skill.Path))
		desired[dir] = struct{}{}
	}
	m.mu.RUnlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for path := range desired {
		if _, ok := m.watchPaths[path]; ok {
			continue
		}
		if err := watcher.Add(path); err != nil {
			m.logger.Debug("failed to watch skills path", "path", path, "error", err)
			continue
		}
		m.watchPaths[path] = struct{}{}
	}
	for path := range m.watchPaths {
		if _, ok := desired[path]; ok {
			continue
		}
		if err := watcher.Remove(path); err != nil {
			m.logger.Debug("failed to unwatch skills path", "path", path, "error", err)
		}
		delete(m.watchPaths, path)
	}
	return nil
}

func (m *Manager) addWatch(path string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		return
	}
	if _, ok := m.watchPaths[path]; ok {
		return
	}
	if err := m.watcher.Add(path); err != nil {
		m.logger.Debug("failed to watch skills path", "path", path, "error", err)
		return
	}
	m.watchPaths[path] = struct{}{}
}
