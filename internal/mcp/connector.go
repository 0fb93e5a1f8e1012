package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/internal/mcpauth"
	"github.com/haasonsaas/relay/internal/tools"
)

// Server pairs a server config with its auth config.
type Server struct {
	Config *ServerConfig
	Auth   *mcpauth.AuthConfig
}

// Connector connects configured servers and registers their tools.
type Connector struct {
	auth    *mcpauth.Manager
	logger  *slog.Logger
	clients map[string]*Client
}

// NewConnector builds a connector resolving credentials through auth.
// auth may be nil when every server is public.
func NewConnector(auth *mcpauth.Manager, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		auth:    auth,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// ConnectAll connects each server and registers its wrapped tools into the
// registry. Server names are collision-checked against the token store
// before any connection is attempted; one unreachable server does not stop
// the others.
func (c *Connector) ConnectAll(ctx context.Context, servers []Server, registry *tools.Registry) error {
	if len(servers) == 0 {
		return nil
	}
	if err := c.checkCollisions(servers); err != nil {
		return err
	}

	var failures []string
	for _, server := range servers {
		if err := c.connect(ctx, server, registry); err != nil {
			c.logger.Error("MCP server connection failed",
				"server", server.Config.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", server.Config.Name, err))
		}
	}
	if len(failures) == len(servers) {
		return fmt.Errorf("no MCP server reachable: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (c *Connector) connect(ctx context.Context, server Server, registry *tools.Registry) error {
	var transportAuth *mcpauth.TransportAuth
	if server.Auth != nil {
		if c.auth == nil {
			return fmt.Errorf("server %s requires auth but no auth manager is configured", server.Config.Name)
		}
		resolved, err := c.auth.ResolveTransportAuth(ctx, server.Config.Name, server.Auth)
		if err != nil {
			return fmt.Errorf("resolve auth: %w", err)
		}
		transportAuth = resolved
	}

	client := NewClient(server.Config, transportAuth, c.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	for _, tool := range WrapAll(server.Config.Name, client.Tools(), client) {
		if err := registry.Register(tool); err != nil {
			client.Close()
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	c.clients[server.Config.Name] = client
	return nil
}

// checkCollisions refuses server sets whose names would share token files.
func (c *Connector) checkCollisions(servers []Server) error {
	if c.auth == nil {
		return nil
	}
	names := make([]string, 0, len(servers))
	for _, server := range servers {
		names = append(names, server.Config.Name)
	}
	if collisions := c.auth.Store().CheckNameCollisions(names); len(collisions) > 0 {
		return fmt.Errorf("MCP server name collisions: %s", strings.Join(collisions, "; "))
	}
	return nil
}

// Client returns the connected client for a server name.
func (c *Connector) Client(name string) (*Client, bool) {
	client, ok := c.clients[name]
	return client, ok
}

// CloseAll disconnects every client.
func (c *Connector) CloseAll() {
	for _, client := range c.clients {
		client.Close()
	}
}
