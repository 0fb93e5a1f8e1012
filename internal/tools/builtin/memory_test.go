package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/tools"
)

func TestMemorySaveWritesMarkdown(t *testing.T) {
	dir := t.TempDir()
	tc := &tools.Context{MemoryDir: dir}

	res, err := NewMemorySaveTool().Execute(context.Background(), map[string]any{
		"content": "The deploy pipeline runs at 09:00 UTC",
		"tags":    []string{"ops", "schedule"},
	}, tc)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("save failed: %q", res.Error)
	}
	body := res.Value.(map[string]any)
	if body["kind"] != "fact" {
		t.Errorf("kind = %v, want fact (default)", body["kind"])
	}
	path := body["path"].(string)
	if filepath.Dir(path) != filepath.Join(dir, "facts") {
		t.Errorf("saved under %s, want facts/", filepath.Dir(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "deploy pipeline") {
		t.Error("content missing from note")
	}
	if !strings.Contains(text, "tags: ops, schedule") {
		t.Error("tags missing from front matter")
	}
}

func TestMemorySaveEpisode(t *testing.T) {
	dir := t.TempDir()
	tc := &tools.Context{MemoryDir: dir}
	res, _ := NewMemorySaveTool().Execute(context.Background(), map[string]any{
		"content": "Investigated the outage with the user",
		"kind":    "episode",
	}, tc)
	path := res.Value.(map[string]any)["path"].(string)
	if filepath.Dir(path) != filepath.Join(dir, "episodes") {
		t.Errorf("saved under %s, want episodes/", filepath.Dir(path))
	}
}

func TestMemorySearchFindsAllTerms(t *testing.T) {
	dir := t.TempDir()
	tc := &tools.Context{MemoryDir: dir}
	save := NewMemorySaveTool()

	save.Execute(context.Background(), map[string]any{"content": "Redis cache lives on host alpha"}, tc)
	save.Execute(context.Background(), map[string]any{"content": "Postgres primary lives on host beta"}, tc)
	save.Execute(context.Background(), map[string]any{"content": "The redis password rotates monthly, redis acl updated"}, tc)

	res, _ := NewMemorySearchTool().Execute(context.Background(), map[string]any{"query": "redis"}, tc)
	if !res.Success {
		t.Fatalf("search failed: %q", res.Error)
	}
	body := res.Value.(map[string]any)
	matches := body["matches"].([]MemoryMatch)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	// Two occurrences outrank one.
	if matches[0].Score < matches[1].Score {
		t.Errorf("matches not ranked by score: %+v", matches)
	}
	if matches[0].Snippet == "" {
		t.Error("snippet empty")
	}

	res, _ = NewMemorySearchTool().Execute(context.Background(), map[string]any{"query": "redis alpha"}, tc)
	matches = res.Value.(map[string]any)["matches"].([]MemoryMatch)
	if len(matches) != 1 {
		t.Errorf("AND query matches = %d, want 1", len(matches))
	}
}

func TestMemorySearchKindFilter(t *testing.T) {
	dir := t.TempDir()
	tc := &tools.Context{MemoryDir: dir}
	save := NewMemorySaveTool()
	save.Execute(context.Background(), map[string]any{"content": "gateway timeout fact", "kind": "fact"}, tc)
	save.Execute(context.Background(), map[string]any{"content": "gateway timeout episode", "kind": "episode"}, tc)

	res, _ := NewMemorySearchTool().Execute(context.Background(), map[string]any{"query": "gateway", "kind": "episode"}, tc)
	matches := res.Value.(map[string]any)["matches"].([]MemoryMatch)
	if len(matches) != 1 || matches[0].Kind != "episode" {
		t.Errorf("kind filter failed: %+v", matches)
	}
}

func TestMemorySearchEmptyDirIsEmptyResult(t *testing.T) {
	tc := &tools.Context{MemoryDir: t.TempDir()}
	res, _ := NewMemorySearchTool().Execute(context.Background(), map[string]any{"query": "anything"}, tc)
	if !res.Success {
		t.Fatalf("search on empty memory should succeed, got %q", res.Error)
	}
	if count := res.Value.(map[string]any)["count"].(int); count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestMemoryToolsRequireGrant(t *testing.T) {
	tc := &tools.Context{}
	res, _ := NewMemorySaveTool().Execute(context.Background(), map[string]any{"content": "x"}, tc)
	if res.Success || res.Kind != tools.ErrorPermission {
		t.Errorf("save without grant should deny, got %+v", res)
	}
	res, _ = NewMemorySearchTool().Execute(context.Background(), map[string]any{"query": "x"}, tc)
	if res.Success || res.Kind != tools.ErrorPermission {
		t.Errorf("search without grant should deny, got %+v", res)
	}
}
