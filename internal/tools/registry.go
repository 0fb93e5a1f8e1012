package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Tool name and argument limits.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of encoded tool arguments (10MB).
	MaxToolArgsSize = 10 << 20
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Registry is a uniquely-named tool catalog with thread-safe registration
// and lookup. It is mutable only during startup; afterwards only the call
// statistics change.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	stats map[string]*toolStats
}

type toolStats struct {
	count     int64
	failures  int64
	totalTime time.Duration
}

// NewRegistry creates an empty registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		stats: make(map[string]*toolStats),
	}
}

// Register adds a tool under its name. Registration fails if the name is
// empty, malformed, too long, or already taken.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register: nil tool")
	}
	name := tool.Name()
	if name == "" || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("register %q: %w", name, ErrInvalidToolName)
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("register %q: name exceeds %d characters: %w", name, MaxToolNameLength, ErrInvalidToolName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// RegisterAll registers tools in order, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListByCategory returns tools of one category in registration order.
func (r *Registry) ListByCategory(category string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range r.order {
		if t := r.tools[name]; t.Category() == category {
			out = append(out, t)
		}
	}
	return out
}

// Descriptor is the LLM-facing function descriptor for one tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// emptyObjectSchema is the descriptor parameters for tools without a schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Descriptors returns function descriptors for all tools in registration
// order. Explicit schemas pass through verbatim; tools without one advertise
// an unconstrained object.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := t.Schema()
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		out = append(out, Descriptor{
			Name:        name,
			Description: t.Description(),
			Parameters:  schema,
		})
	}
	return out
}

// RecordCall accumulates call statistics for a tool. Unregistered names are
// counted too, so callers don't need to pre-check.
func (r *Registry) RecordCall(name string, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats[name]
	if st == nil {
		st = &toolStats{}
		r.stats[name] = st
	}
	st.count++
	st.totalTime += duration
	if !success {
		st.failures++
	}
}

// ToolStats is a snapshot of one tool's accumulated call counters.
type ToolStats struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
}

// AvgDuration returns the mean execution time across recorded calls.
func (s ToolStats) AvgDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

// Stats is a point-in-time view of registry call statistics.
type Stats struct {
	// ByTool maps tool name to its counters.
	ByTool map[string]ToolStats

	// ByCategory maps category to total call count across its tools.
	ByCategory map[string]int64
}

// Stats returns a copy-safe snapshot of the accumulated call statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Stats{
		ByTool:     make(map[string]ToolStats, len(r.stats)),
		ByCategory: make(map[string]int64),
	}
	for name, st := range r.stats {
		snap.ByTool[name] = ToolStats{
			Count:     st.count,
			Failures:  st.failures,
			TotalTime: st.totalTime,
		}
		if t, ok := r.tools[name]; ok {
			snap.ByCategory[t.Category()] += st.count
		}
	}
	return snap
}
