// Package config loads and validates the relay configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/mcpauth"
)

// Config is the top-level relay configuration.
type Config struct {
	Agent    AgentConfig      `yaml:"agent"`
	DataDir  string           `yaml:"data_dir"`
	AuthDir  string           `yaml:"auth_dir"`
	Tools    ToolsConfig      `yaml:"tools"`
	MCP      MCPConfig        `yaml:"mcp"`
	Schedule []ScheduleConfig `yaml:"schedule"`
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// AgentConfig selects the LLM provider and shapes the main agent.
type AgentConfig struct {
	// Provider picks the adapter: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the model identifier sent on every request.
	Model string `yaml:"model"`

	// APIKey authenticates against the vendor API. Falls back to
	// ANTHROPIC_API_KEY or OPENAI_API_KEY when empty.
	APIKey string `yaml:"api_key"`

	// Persona replaces the default system prompt preamble.
	Persona string `yaml:"persona"`

	// SessionID names the main conversation log. Defaults to "main".
	SessionID string `yaml:"session_id"`

	MaxTokens    int           `yaml:"max_tokens"`
	HistoryLimit int           `yaml:"history_limit"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
}

// ToolsConfig grants capabilities to the builtin tools.
type ToolsConfig struct {
	// AllowedPaths whitelists filesystem roots for the file tools. Empty
	// means unrestricted.
	AllowedPaths []string `yaml:"allowed_paths"`

	// MaxReadBytes caps file_read output. Zero means the builtin default.
	MaxReadBytes int `yaml:"max_read_bytes"`

	// FetchMaxBytes caps web_fetch response bodies.
	FetchMaxBytes int `yaml:"fetch_max_bytes"`

	// AllowPrivateHosts lets web_fetch reach loopback and RFC 1918
	// addresses. Off by default.
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
}

// MCPConfig lists remote MCP servers to connect at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig couples a server's transport config with its auth config.
type MCPServerConfig struct {
	mcp.ServerConfig `yaml:",inline"`

	Auth *mcpauth.AuthConfig `yaml:"auth,omitempty"`
}

// Server maps the entry to the connector's input type.
func (c MCPServerConfig) Server() mcp.Server {
	cfg := c.ServerConfig
	return mcp.Server{Config: &cfg, Auth: c.Auth}
}

// ScheduleConfig is one cron-driven self-prompt.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Cron   string `yaml:"cron"`
	Prompt string `yaml:"prompt"`
}

// LoggingConfig shapes the process-wide logger.
type LoggingConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration file at path, resolves $include directives,
// expands environment variables, applies defaults, and validates. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	if cfg.Agent.APIKey == "" {
		switch cfg.Agent.Provider {
		case "anthropic":
			cfg.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Agent.SessionID == "" {
		cfg.Agent.SessionID = "main"
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DataDir = filepath.Join(home, ".relay")
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = filepath.Join(cfg.DataDir, "auth")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate rejects configurations that would fail later at wiring time.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("agent.provider must be anthropic or openai, got %q", c.Agent.Provider)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, server := range c.MCP.Servers {
		if err := server.ServerConfig.Validate(); err != nil {
			return fmt.Errorf("mcp.servers[%d]: %w", i, err)
		}
		if seen[server.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, server.Name)
		}
		seen[server.Name] = true
		if server.Auth != nil {
			if err := server.Auth.Validate(); err != nil {
				return fmt.Errorf("mcp.servers[%d].auth: %w", i, err)
			}
		}
	}

	for i, entry := range c.Schedule {
		if strings.TrimSpace(entry.Cron) == "" {
			return fmt.Errorf("schedule[%d]: cron expression is required", i)
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// SessionsDir is where session logs live.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// MemoryDir is the root of the memory notes tree.
func (c *Config) MemoryDir() string { return filepath.Join(c.DataDir, "memory") }

// SkillsDir is where skill definitions live.
func (c *Config) SkillsDir() string { return filepath.Join(c.DataDir, "skills") }
