package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/mcpauth"
)

// Client speaks JSON-RPC over HTTP POST to a single MCP server.
type Client struct {
	config *ServerConfig
	auth   *mcpauth.TransportAuth
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	tools     []*ToolDescriptor
	info      ServerInfo
	// bearer caches the header minted by a TokenProvider for this
	// connection. New connections mint fresh tokens.
	bearer string
}

// NewClient creates a client for cfg. auth may be nil for public servers.
func NewClient(cfg *ServerConfig, auth *mcpauth.TransportAuth, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		auth:   auth,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("mcp_server", cfg.Name),
	}
}

// Connect authorizes, runs the initialize handshake, and loads the remote
// tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	if err := c.resolveAuth(ctx); err != nil {
		return fmt.Errorf("authorize %s: %w", c.config.Name, err)
	}

	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "relay", "version": "1.0.0"},
	}
	raw, err := c.call(ctx, "initialize", initParams)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.config.Name, err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("initialize %s: parse result: %w", c.config.Name, err)
	}

	c.mu.Lock()
	c.info = init.ServerInfo
	c.connected = true
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("list tools for %s: %w", c.config.Name, err)
	}

	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// resolveAuth turns the TransportAuth into a concrete bearer header. For
// provider mode the token endpoint is discovered from the server's OAuth
// metadata and handed to the provider before the first Token call.
func (c *Client) resolveAuth(ctx context.Context) error {
	if c.auth == nil || c.auth.Mode == mcpauth.TransportAuthNone {
		return nil
	}
	if c.auth.Mode == mcpauth.TransportAuthHeaders {
		return nil // applied per-request from auth.Headers
	}

	provider := c.auth.Provider
	if provider == nil {
		return fmt.Errorf("provider auth mode without a provider")
	}
	if setter, ok := provider.(interface{ SetTokenEndpoint(string) }); ok {
		endpoint, err := c.discoverTokenEndpoint(ctx)
		if err != nil {
			return fmt.Errorf("discover token endpoint: %w", err)
		}
		setter.SetTokenEndpoint(endpoint)
	}
	token, err := provider.Token(ctx)
	if err != nil {
		return err
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	c.mu.Lock()
	c.bearer = tokenType + " " + token.AccessToken
	c.mu.Unlock()
	return nil
}

// discoverTokenEndpoint reads RFC 8414 authorization server metadata from
// the server's origin.
func (c *Client) discoverTokenEndpoint(ctx context.Context) (string, error) {
	base, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	metaURL := base.Scheme + "://" + base.Host + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata endpoint returned status %d", resp.StatusCode)
	}

	var meta struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("parse metadata: %w", err)
	}
	if strings.TrimSpace(meta.TokenEndpoint) == "" {
		return "", fmt.Errorf("metadata has no token_endpoint")
	}
	return meta.TokenEndpoint, nil
}

// Connected reports whether the initialize handshake succeeded.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ServerInfo returns the remote implementation identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Tools returns the cached remote tool descriptors.
func (c *Client) Tools() []*ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// RefreshTools reloads the remote tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var listed ListToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a remote tool by its unqualified remote name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}

// Close marks the client disconnected. HTTP keeps no long-lived state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = payload
	}

	respBody, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	_, err := c.post(ctx, jsonRPCRequest{JSONRPC: "2.0", Method: method})
	return err
}

func (c *Client) post(ctx context.Context, rpc jsonRPCRequest) ([]byte, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}
	return payload, nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.auth != nil && c.auth.Mode == mcpauth.TransportAuthHeaders {
		for k, v := range c.auth.Headers {
			req.Header.Set(k, v)
		}
		return
	}
	c.mu.RLock()
	bearer := c.bearer
	c.mu.RUnlock()
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
