// Package builtin provides the first-party tool suite: intent tools the
// agent pump routes on, background task control, whitelisted file access,
// durable memory notes, and web fetching with a bounded cache.
package builtin

import (
	"net/http"
	"time"

	"github.com/haasonsaas/relay/internal/tools"
)

// Config tunes the suite. The zero value is usable.
type Config struct {
	// MaxReadBytes caps a single file_read. Defaults to 200000.
	MaxReadBytes int

	// FetchMaxBytes caps web_fetch content before truncation.
	// Defaults to 100000.
	FetchMaxBytes int

	// HTTPClient is used by web_fetch. Defaults to a 30s-timeout client.
	HTTPClient *http.Client

	// AllowPrivateHosts disables the private-address guard on web_fetch.
	// Tests use it to reach httptest servers.
	AllowPrivateHosts bool
}

// Register installs the whole suite into reg. Tool-level capabilities
// (paths, memory dir, background pool) still come from the per-call
// tools.Context, so a registered tool is inert until granted.
func Register(reg *tools.Registry, cfg Config) error {
	return reg.RegisterAll(
		NewReplyTool(),
		NewSpawnTaskTool(),
		NewSubagentTool(),
		NewNotifyTool(),
		NewUseSkillTool(),
		NewSessionArchiveTool(),
		NewTaskStatusTool(),
		NewTaskWaitTool(),
		NewTaskStopTool(),
		NewRunBackgroundTool(),
		NewFileReadTool(cfg.MaxReadBytes),
		NewFileWriteTool(),
		NewFileListTool(),
		NewMemorySaveTool(),
		NewMemorySearchTool(),
		NewWebFetchTool(cfg),
	)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
