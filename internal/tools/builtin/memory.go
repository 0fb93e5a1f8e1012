package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/tools"
)

// Memory notes are plain markdown files: facts hold durable statements,
// episodes hold narrative records of what happened. Search is term
// matching over file contents; no index to corrupt, greppable by hand.
const (
	kindFact    = "fact"
	kindEpisode = "episode"

	maxSearchResults = 50
	snippetLen       = 200
)

type memorySaveParams struct {
	Content string   `json:"content" jsonschema:"required,description=Text to remember"`
	Kind    string   `json:"kind,omitempty" jsonschema:"enum=fact|episode,description=fact for durable statements, episode for narrative records (default fact)"`
	Tags    []string `json:"tags,omitempty" jsonschema:"description=Labels to aid later retrieval"`
}

// MemorySaveTool persists a note under the granted memory directory.
type MemorySaveTool struct{}

func NewMemorySaveTool() *MemorySaveTool { return &MemorySaveTool{} }

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a note to long-term memory. Facts are durable statements; episodes record what happened."
}

func (t *MemorySaveTool) Category() string { return "memory" }

func (t *MemorySaveTool) Schema() json.RawMessage { return tools.SchemaFor[memorySaveParams]() }

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p memorySaveParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if strings.TrimSpace(p.Content) == "" {
		return tools.Fail(tools.ErrorValidation, "content is required"), nil
	}
	kind := p.Kind
	switch kind {
	case "":
		kind = kindFact
	case kindFact, kindEpisode:
	default:
		return tools.Failf(tools.ErrorValidation, "unknown kind %q", p.Kind), nil
	}
	if tc == nil || tc.MemoryDir == "" {
		return tools.Fail(tools.ErrorPermission, "memory access is not granted"), nil
	}

	dir := filepath.Join(tc.MemoryDir, kind+"s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return tools.Failf(tools.ErrorUnknown, "create memory dir: %v", err), nil
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%s.md", now.Format("20060102T150405"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	path := filepath.Join(dir, name)

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "saved: %s\n", now.Format(time.RFC3339))
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(p.Tags, ", "))
	}
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(p.Content))
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return tools.Failf(tools.ErrorUnknown, "write memory: %v", err), nil
	}
	return tools.OK(map[string]any{"path": path, "kind": kind}), nil
}

type memorySearchParams struct {
	Query string `json:"query" jsonschema:"required,description=Terms to search for; a note matches when it contains every term"`
	Kind  string `json:"kind,omitempty" jsonschema:"enum=fact|episode,description=Restrict the search to one kind"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum matches to return (default 10)"`
}

// MemoryMatch is one search hit.
type MemoryMatch struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Snippet string `json:"snippet"`
	Score   int    `json:"score"`
}

// MemorySearchTool finds saved notes by case-insensitive term matching.
type MemorySearchTool struct{}

func NewMemorySearchTool() *MemorySearchTool { return &MemorySearchTool{} }

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for notes containing all the given terms."
}

func (t *MemorySearchTool) Category() string { return "memory" }

func (t *MemorySearchTool) Schema() json.RawMessage { return tools.SchemaFor[memorySearchParams]() }

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p memorySearchParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	terms := strings.Fields(strings.ToLower(p.Query))
	if len(terms) == 0 {
		return tools.Fail(tools.ErrorValidation, "query is required"), nil
	}
	if tc == nil || tc.MemoryDir == "" {
		return tools.Fail(tools.ErrorPermission, "memory access is not granted"), nil
	}

	kinds := []string{kindFact, kindEpisode}
	switch p.Kind {
	case "":
	case kindFact, kindEpisode:
		kinds = []string{p.Kind}
	default:
		return tools.Failf(tools.ErrorValidation, "unknown kind %q", p.Kind), nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	var matches []MemoryMatch
	for _, kind := range kinds {
		found, err := searchNotes(filepath.Join(tc.MemoryDir, kind+"s"), kind, terms)
		if err != nil {
			return tools.Failf(tools.ErrorUnknown, "search memory: %v", err), nil
		}
		matches = append(matches, found...)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return tools.OK(map[string]any{"query": p.Query, "matches": matches, "count": len(matches)}), nil
}

// searchNotes scans every markdown note in dir. A note matches when its
// lowercased body contains every term; the score is the total number of
// term occurrences.
func searchNotes(dir, kind string, terms []string) ([]MemoryMatch, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var matches []MemoryMatch
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, d.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		body := strings.ToLower(string(data))
		score := 0
		ok := true
		for _, term := range terms {
			n := strings.Count(body, term)
			if n == 0 {
				ok = false
				break
			}
			score += n
		}
		if !ok {
			continue
		}
		matches = append(matches, MemoryMatch{
			Path:    path,
			Kind:    kind,
			Snippet: snippet(string(data), terms[0]),
			Score:   score,
		})
	}
	return matches, nil
}

// snippet returns the first line containing term, trimmed to snippetLen.
func snippet(body, term string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "---") {
			continue
		}
		if strings.Contains(strings.ToLower(trimmed), term) {
			if len(trimmed) > snippetLen {
				return trimmed[:snippetLen] + "..."
			}
			return trimmed
		}
	}
	return ""
}
