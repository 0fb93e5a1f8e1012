package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/tools"
)

func workspaceContext(t *testing.T) (*tools.Context, string) {
	t.Helper()
	root := t.TempDir()
	return &tools.Context{AllowedPaths: []string{root}}, root
}

func TestFileWriteThenRead(t *testing.T) {
	tc, root := workspaceContext(t)
	path := filepath.Join(root, "notes", "a.txt")

	res, err := NewFileWriteTool().Execute(context.Background(), map[string]any{
		"path":    path,
		"content": "hello world",
	}, tc)
	if err != nil {
		t.Fatalf("write returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("write failed: %q", res.Error)
	}

	res, _ = NewFileReadTool(0).Execute(context.Background(), map[string]any{"path": path}, tc)
	if !res.Success {
		t.Fatalf("read failed: %q", res.Error)
	}
	body := res.Value.(map[string]any)
	if body["content"] != "hello world" {
		t.Errorf("content = %q", body["content"])
	}
	if body["truncated"].(bool) {
		t.Error("small file should not be truncated")
	}
}

func TestFileWriteAppends(t *testing.T) {
	tc, root := workspaceContext(t)
	path := filepath.Join(root, "log.txt")

	write := NewFileWriteTool()
	write.Execute(context.Background(), map[string]any{"path": path, "content": "one\n"}, tc)
	write.Execute(context.Background(), map[string]any{"path": path, "content": "two\n", "append": true}, tc)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("file = %q", data)
	}
}

func TestFileReadHonorsLimits(t *testing.T) {
	tc, root := workspaceContext(t)
	path := filepath.Join(root, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}

	res, _ := NewFileReadTool(10).Execute(context.Background(), map[string]any{"path": path}, tc)
	body := res.Value.(map[string]any)
	if got := body["content"].(string); len(got) != 10 {
		t.Errorf("content length = %d, want 10", len(got))
	}
	if !body["truncated"].(bool) {
		t.Error("expected truncated = true")
	}

	res, _ = NewFileReadTool(0).Execute(context.Background(), map[string]any{"path": path, "offset": 90}, tc)
	body = res.Value.(map[string]any)
	if got := body["content"].(string); len(got) != 10 {
		t.Errorf("offset read length = %d, want 10", len(got))
	}
}

func TestFileToolsDenyOutsidePaths(t *testing.T) {
	tc, _ := workspaceContext(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")

	cases := []struct {
		name string
		tool tools.Tool
		args map[string]any
	}{
		{"read", NewFileReadTool(0), map[string]any{"path": outside}},
		{"write", NewFileWriteTool(), map[string]any{"path": outside, "content": "x"}},
		{"list", NewFileListTool(), map[string]any{"path": filepath.Dir(outside)}},
	}
	for _, tt := range cases {
		res, err := tt.tool.Execute(context.Background(), tt.args, tc)
		if err != nil {
			t.Fatalf("%s returned error: %v", tt.name, err)
		}
		if res.Success {
			t.Errorf("%s outside workspace should fail", tt.name)
		}
		if res.Kind != tools.ErrorPermission {
			t.Errorf("%s kind = %q, want %q", tt.name, res.Kind, tools.ErrorPermission)
		}
	}
}

func TestFileReadDeniesDotDotEscape(t *testing.T) {
	tc, root := workspaceContext(t)
	res, _ := NewFileReadTool(0).Execute(context.Background(), map[string]any{
		"path": filepath.Join(root, "..", "escape.txt"),
	}, tc)
	if res.Success || res.Kind != tools.ErrorPermission {
		t.Errorf(".. escape should be denied, got %+v", res)
	}
}

func TestFileReadSiblingPrefixDenied(t *testing.T) {
	// /tmp/ws-evil must not pass a whitelist of /tmp/ws.
	parent := t.TempDir()
	allowed := filepath.Join(parent, "ws")
	evil := filepath.Join(parent, "ws-evil")
	for _, dir := range []string{allowed, evil} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(evil, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tc := &tools.Context{AllowedPaths: []string{allowed}}
	res, _ := NewFileReadTool(0).Execute(context.Background(), map[string]any{
		"path": filepath.Join(evil, "f.txt"),
	}, tc)
	if res.Success || res.Kind != tools.ErrorPermission {
		t.Errorf("sibling prefix should be denied, got %+v", res)
	}
}

func TestFileReadMissingFile(t *testing.T) {
	tc, root := workspaceContext(t)
	res, _ := NewFileReadTool(0).Execute(context.Background(), map[string]any{
		"path": filepath.Join(root, "absent.txt"),
	}, tc)
	if res.Success || res.Kind != tools.ErrorNotFound {
		t.Errorf("missing file should be not_found, got %+v", res)
	}
}

func TestFileListEntries(t *testing.T) {
	tc, root := workspaceContext(t)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, _ := NewFileListTool().Execute(context.Background(), map[string]any{"path": root}, tc)
	if !res.Success {
		t.Fatalf("list failed: %q", res.Error)
	}
	entries := res.Value.(map[string]any)["entries"].([]FileEntry)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Name != "a.txt" || entries[1].Name != "b.txt" || entries[2].Name != "sub" {
		t.Errorf("order = %v", entries)
	}
	if entries[0].Size != 1 || !entries[2].IsDir {
		t.Errorf("entry details wrong: %+v", entries)
	}
}
