package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/mcpauth"
	"github.com/haasonsaas/relay/internal/observability"
)

// runAuthLogin acquires and stores a token for one configured MCP server.
// Device-code servers print verification instructions and block until the
// user approves or the flow times out.
func runAuthLogin(configPath, serverName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server, ok := findServer(cfg, serverName)
	if !ok {
		return fmt.Errorf("server %q is not configured", serverName)
	}
	if server.Auth == nil {
		return fmt.Errorf("server %q does not use authentication", serverName)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	store := mcpauth.NewStore(cfg.AuthDir, mcpauth.WithStoreLogger(logger))
	manager := mcpauth.NewManager(store,
		mcpauth.WithManagerLogger(logger),
		mcpauth.WithDeviceFlow(mcpauth.NewDeviceFlow(
			mcpauth.WithFlowLogger(logger),
			mcpauth.WithPrompt(printDevicePrompt),
		)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Drop any stored token first so login always mints a fresh one.
	if err := store.Delete(serverName); err != nil {
		return fmt.Errorf("failed to clear stored token: %w", err)
	}

	auth, err := manager.ResolveTransportAuth(ctx, serverName, server.Auth)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	// Client-credentials servers without a token_url discover their token
	// endpoint from server metadata, so minting waits until connect time.
	if auth.Provider != nil {
		fmt.Printf("Authorized %q (%s); token will be minted at connect time\n", serverName, server.Auth.Type)
		return nil
	}
	fmt.Printf("Authorized %q (%s)\n", serverName, server.Auth.Type)
	if token := store.Load(serverName); token != nil && token.ExpiresAt != nil {
		fmt.Printf("  expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// runAuthStatus prints the stored credential state for every configured
// server that uses authentication.
func runAuthStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := mcpauth.NewStore(cfg.AuthDir)

	count := 0
	for _, server := range cfg.MCP.Servers {
		if server.Auth == nil {
			continue
		}
		count++
		token := store.Load(server.Name)
		switch {
		case token == nil:
			fmt.Printf("%-20s %-20s not authorized\n", server.Name, server.Auth.Type)
		case !store.IsValid(token):
			fmt.Printf("%-20s %-20s expired (obtained %s)\n",
				server.Name, token.AuthType, token.ObtainedAt.Format(time.RFC3339))
		default:
			expiry := "no expiry"
			if token.ExpiresAt != nil {
				expiry = "expires " + token.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%-20s %-20s valid (%s)\n", server.Name, token.AuthType, expiry)
		}
	}
	if count == 0 {
		fmt.Println("No configured MCP servers use authentication.")
	}
	return nil
}

// runAuthLogout deletes the stored token for one server.
func runAuthLogout(configPath, serverName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := mcpauth.NewStore(cfg.AuthDir)
	if token := store.Load(serverName); token == nil {
		fmt.Printf("No stored credentials for %q\n", serverName)
		return nil
	}
	if err := store.Delete(serverName); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	fmt.Printf("Logged out of %q\n", serverName)
	return nil
}

// findServer looks up a configured MCP server by name.
func findServer(cfg *config.Config, name string) (config.MCPServerConfig, bool) {
	for _, server := range cfg.MCP.Servers {
		if server.Name == name {
			return server, true
		}
	}
	return config.MCPServerConfig{}, false
}
