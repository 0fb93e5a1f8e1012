package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
)

const (
	defaultMaxReadBytes = 200000
	maxListEntries      = 500
)

// resolvePath normalizes raw into the cleaned absolute form the whitelist
// is expressed in, then checks it against the granted paths. The non-nil
// Result return reports the denial or validation failure.
func resolvePath(raw string, tc *tools.Context) (string, *tools.Result) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", tools.Fail(tools.ErrorValidation, "path is required")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", tools.Failf(tools.ErrorValidation, "resolve path: %v", err)
	}
	abs = filepath.Clean(abs)
	if tc == nil || !tc.PathAllowed(abs) {
		return "", tools.Failf(tools.ErrorPermission, "path %s is outside the allowed workspace", abs)
	}
	return abs, nil
}

type fileReadParams struct {
	Path     string `json:"path" jsonschema:"required,description=File to read (absolute or relative)"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to return, capped by the tool default"`
}

// FileReadTool reads files inside the granted path whitelist.
type FileReadTool struct {
	maxBytes int
}

func NewFileReadTool(maxBytes int) *FileReadTool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}
	return &FileReadTool{maxBytes: maxBytes}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *FileReadTool) Category() string { return "files" }

func (t *FileReadTool) Schema() json.RawMessage { return tools.SchemaFor[fileReadParams]() }

func (t *FileReadTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p fileReadParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	if p.Offset < 0 {
		return tools.Fail(tools.ErrorValidation, "offset must be >= 0"), nil
	}
	path, denied := resolvePath(p.Path, tc)
	if denied != nil {
		return denied, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Failf(tools.ErrorNotFound, "no such file: %s", path), nil
		}
		return tools.Failf(tools.ErrorUnknown, "open: %v", err), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tools.Failf(tools.ErrorUnknown, "stat: %v", err), nil
	}
	if info.IsDir() {
		return tools.Failf(tools.ErrorValidation, "%s is a directory", path), nil
	}
	if p.Offset > 0 {
		if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
			return tools.Failf(tools.ErrorUnknown, "seek: %v", err), nil
		}
	}

	limit := t.maxBytes
	if p.MaxBytes > 0 && p.MaxBytes < limit {
		limit = p.MaxBytes
	}
	// Read one byte past the limit to detect truncation.
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return tools.Failf(tools.ErrorUnknown, "read: %v", err), nil
	}
	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}
	return tools.OK(map[string]any{
		"path":      path,
		"content":   string(data),
		"size":      info.Size(),
		"truncated": truncated,
	}), nil
}

type fileWriteParams struct {
	Path    string `json:"path" jsonschema:"required,description=File to write (absolute or relative)"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwriting"`
}

// FileWriteTool writes files inside the granted path whitelist, creating
// parent directories as needed.
type FileWriteTool struct{}

func NewFileWriteTool() *FileWriteTool { return &FileWriteTool{} }

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write or append to a file in the workspace, creating parent directories as needed."
}

func (t *FileWriteTool) Category() string { return "files" }

func (t *FileWriteTool) Schema() json.RawMessage { return tools.SchemaFor[fileWriteParams]() }

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p fileWriteParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	path, denied := resolvePath(p.Path, tc)
	if denied != nil {
		return denied, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Failf(tools.ErrorUnknown, "create parent: %v", err), nil
	}
	flags := os.O_WRONLY | os.O_CREATE
	if p.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return tools.Failf(tools.ErrorUnknown, "open: %v", err), nil
	}
	n, err := f.WriteString(p.Content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return tools.Failf(tools.ErrorUnknown, "write: %v", err), nil
	}
	return tools.OK(map[string]any{"path": path, "bytes": n, "appended": p.Append}), nil
}

type fileListParams struct {
	Path string `json:"path" jsonschema:"required,description=Directory to list"`
}

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// FileListTool lists a directory inside the granted path whitelist.
type FileListTool struct{}

func NewFileListTool() *FileListTool { return &FileListTool{} }

func (t *FileListTool) Name() string { return "file_list" }

func (t *FileListTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *FileListTool) Category() string { return "files" }

func (t *FileListTool) Schema() json.RawMessage { return tools.SchemaFor[fileListParams]() }

func (t *FileListTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p fileListParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	path, denied := resolvePath(p.Path, tc)
	if denied != nil {
		return denied, nil
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Failf(tools.ErrorNotFound, "no such directory: %s", path), nil
		}
		return tools.Failf(tools.ErrorUnknown, "read dir: %v", err), nil
	}

	entries := make([]FileEntry, 0, len(dirents))
	for _, d := range dirents {
		entry := FileEntry{Name: d.Name(), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		if len(entries) >= maxListEntries {
			break
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	value := map[string]any{"path": path, "entries": entries, "count": len(entries)}
	if len(dirents) > maxListEntries {
		value["note"] = fmt.Sprintf("listing capped at %d of %d entries", maxListEntries, len(dirents))
	}
	return tools.OK(value), nil
}
