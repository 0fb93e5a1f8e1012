package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/tools"
)

const (
	defaultFetchBytes = 100000

	// maxCacheEntries bounds the fetch cache; the oldest entry is evicted
	// when the cap is reached.
	maxCacheEntries = 50

	cacheTTL = 15 * time.Minute
)

// fetchedPage is the cached raw fetch. Extraction happens per call so a
// cached page can serve different instructions.
type fetchedPage struct {
	content     string
	contentType string
	status      int
	truncated   bool
	storedAt    time.Time
}

// fetchCache is an insertion-ordered bounded cache keyed by URL.
type fetchCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*fetchedPage
	order   []string
}

func newFetchCache(max int, ttl time.Duration) *fetchCache {
	return &fetchCache{max: max, ttl: ttl, entries: make(map[string]*fetchedPage)}
}

func (c *fetchCache) get(key string, now time.Time) (*fetchedPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && now.Sub(page.storedAt) > c.ttl {
		c.removeLocked(key)
		return nil, false
	}
	return page, true
}

func (c *fetchCache) put(key string, page *fetchedPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = page
		return
	}
	for len(c.order) >= c.max {
		c.removeLocked(c.order[0])
	}
	c.entries[key] = page
	c.order = append(c.order, key)
}

func (c *fetchCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *fetchCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type webFetchParams struct {
	URL      string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Content cap for this fetch, below the tool default"`
	Extract  string `json:"extract,omitempty" jsonschema:"description=Instruction for condensing the page, applied when an extraction model is configured"`
}

// WebFetchTool retrieves a URL with a size cap and a bounded cache. Private
// and loopback hosts are refused unless the suite was configured otherwise.
type WebFetchTool struct {
	client       *http.Client
	maxBytes     int
	allowPrivate bool
	cache        *fetchCache
}

func NewWebFetchTool(cfg Config) *WebFetchTool {
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchBytes
	}
	return &WebFetchTool{
		client:       client,
		maxBytes:     maxBytes,
		allowPrivate: cfg.AllowPrivateHosts,
		cache:        newFetchCache(maxCacheEntries, cacheTTL),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page over HTTP GET. Content is size-capped and recently fetched pages are served from cache."
}

func (t *WebFetchTool) Category() string { return "web" }

func (t *WebFetchTool) Schema() json.RawMessage { return tools.SchemaFor[webFetchParams]() }

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	var p webFetchParams
	if err := tools.DecodeArgs(args, &p); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}
	target := strings.TrimSpace(p.URL)
	if target == "" {
		return tools.Fail(tools.ErrorValidation, "url is required"), nil
	}
	if err := t.validateURL(target); err != nil {
		return tools.Fail(tools.ErrorValidation, err.Error()), nil
	}

	page, cached := t.cache.get(target, time.Now())
	if !cached {
		fetched, err := t.fetch(ctx, target)
		if err != nil {
			return tools.Failf(tools.ErrorUnknown, "fetch %s: %v", target, err), nil
		}
		t.cache.put(target, fetched)
		page = fetched
	}

	content := page.content
	truncated := page.truncated
	if p.MaxBytes > 0 && p.MaxBytes < len(content) {
		content = content[:p.MaxBytes] + "..."
		truncated = true
	}
	if p.Extract != "" && tc != nil && tc.Extract != nil {
		condensed, err := tc.Extract(ctx, p.Extract, content)
		if err != nil {
			return tools.Failf(tools.ErrorUnknown, "extract: %v", err), nil
		}
		content = condensed
	}

	return tools.OK(map[string]any{
		"url":          target,
		"status":       page.status,
		"content":      content,
		"content_type": page.contentType,
		"truncated":    truncated,
		"cached":       cached,
	}), nil
}

func (t *WebFetchTool) fetch(ctx context.Context, target string) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "relay/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := len(data) > t.maxBytes
	content := string(data)
	if truncated {
		content = content[:t.maxBytes] + "..."
	}
	return &fetchedPage{
		content:     content,
		contentType: resp.Header.Get("Content-Type"),
		status:      resp.StatusCode,
		truncated:   truncated,
		storedAt:    time.Now(),
	}, nil
}

func (t *WebFetchTool) validateURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url has no host")
	}
	if t.allowPrivate {
		return nil
	}
	return rejectPrivateHost(u.Hostname())
}

// rejectPrivateHost blocks loopback, link-local, and RFC 1918 targets so the
// model cannot probe the local network through the fetch tool.
func rejectPrivateHost(host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("refusing to fetch private host %q", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname resolution happens at dial time; only literal
		// addresses are screened here.
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("refusing to fetch private address %q", host)
	}
	return nil
}
