package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/mcpauth"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/schedule"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/skills"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/builtin"
	"github.com/haasonsaas/relay/pkg/models"
)

// serveOptions carries the serve command flags.
type serveOptions struct {
	configPath string
	debug      bool
}

// shutdownTimeout bounds the graceful drain after a shutdown signal.
const shutdownTimeout = 30 * time.Second

// runServe implements the serve command logic: it assembles the agent
// runtime from configuration, pumps stdin into it, and tears everything
// down on SIGINT/SIGTERM.
func runServe(opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	logger.Info("starting relay agent",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
		"provider", cfg.Agent.Provider,
		"model", cfg.Agent.Model,
	)

	// Cancels on shutdown signals; everything below hangs off this context.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := providers.New(providers.Config{
		Name:   cfg.Agent.Provider,
		APIKey: cfg.Agent.APIKey,
		Model:  cfg.Agent.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, builtin.Config{
		MaxReadBytes:      cfg.Tools.MaxReadBytes,
		FetchMaxBytes:     cfg.Tools.FetchMaxBytes,
		AllowPrivateHosts: cfg.Tools.AllowPrivateHosts,
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	executor := tools.NewExecutor(registry,
		tools.WithLogger(logger),
		tools.WithMetrics(metrics),
	)
	background := tools.NewBackgroundManager(executor, logger, metrics)

	authStore := mcpauth.NewStore(cfg.AuthDir, mcpauth.WithStoreLogger(logger))
	authManager := mcpauth.NewManager(authStore,
		mcpauth.WithManagerLogger(logger),
		mcpauth.WithDeviceFlow(mcpauth.NewDeviceFlow(
			mcpauth.WithFlowLogger(logger),
			mcpauth.WithPrompt(printDevicePrompt),
		)),
	)

	connector := mcp.NewConnector(authManager, logger)
	if servers := mcpServers(cfg); len(servers) > 0 {
		if err := connector.ConnectAll(ctx, servers, registry); err != nil {
			return fmt.Errorf("failed to connect MCP servers: %w", err)
		}
	}
	defer connector.CloseAll()

	monitor := mcpauth.NewMonitor(authManager,
		mcpauth.WithMonitorLogger(logger),
		mcpauth.WithMonitorMetrics(metrics),
	)
	for _, server := range cfg.MCP.Servers {
		if server.Auth != nil {
			monitor.Track(server.Name, server.Auth)
		}
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start token monitor: %w", err)
	}
	defer monitor.Stop()

	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	sqlStore, err := sessions.NewSQLiteStore(filepath.Join(cfg.SessionsDir(), "relay.db"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sqlStore.Close()
	store, err := sessions.NewArchiveStore(sqlStore, cfg.SessionsDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to open session archive: %w", err)
	}

	skillManager := skills.NewManager(cfg.SkillsDir(), logger)
	if err := skillManager.Discover(ctx); err != nil {
		return fmt.Errorf("failed to discover skills: %w", err)
	}
	if err := skillManager.Watch(ctx); err != nil {
		logger.Warn("skill watching disabled", "error", err)
	}
	defer skillManager.Close()

	taskManager := tasks.NewManager(
		tasks.NewSingleTurnRunner(provider, ""),
		tasks.WithLogger(logger),
	)

	pump := agent.NewPump(provider, registry, store, &agent.Config{
		Persona:      cfg.Agent.Persona,
		SessionID:    cfg.Agent.SessionID,
		Model:        cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
		HistoryLimit: cfg.Agent.HistoryLimit,
		TurnTimeout:  cfg.Agent.TurnTimeout,
		AllowedPaths: cfg.Tools.AllowedPaths,
		MemoryDir:    cfg.MemoryDir(),
		SessionDir:   cfg.SessionsDir(),
	},
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTasks(taskManager),
		agent.WithSkills(skillManager),
		agent.WithBackground(background),
		agent.WithExecutor(executor),
	)
	taskManager.OnCompletion(pump.EnqueueTaskResult)
	pump.OnReply(func(origin models.Origin, text, replyTo string) {
		fmt.Printf("relay> %s\n", text)
	})
	pump.OnNotify(func(level, message string) {
		fmt.Printf("[%s] %s\n", level, message)
	})

	scheduler, err := schedule.NewScheduler(pump, scheduleEntries(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("relay agent started",
		"session", cfg.Agent.SessionID,
		"tools", len(registry.Names()),
		"skills", len(skillManager.List()),
		"schedules", len(scheduler.Entries()),
	)
	fmt.Println("relay ready. Type a message and press enter; Ctrl-C to exit.")

	// Reader goroutine feeds the pump; closing stdin ends the session too.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			pump.EnqueueMessage(text, models.Origin{
				Channel: models.ChannelCLI,
				ChatID:  "local",
			})
		}
	}

	logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	if !pump.WaitIdle(shutdownTimeout) {
		logger.Warn("agent still busy at shutdown deadline")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("relay agent stopped")
	return nil
}

// mcpServers maps the configured MCP servers to connector input.
func mcpServers(cfg *config.Config) []mcp.Server {
	servers := make([]mcp.Server, 0, len(cfg.MCP.Servers))
	for _, sc := range cfg.MCP.Servers {
		servers = append(servers, sc.Server())
	}
	return servers
}

// scheduleEntries maps the configured schedules to scheduler input.
func scheduleEntries(cfg *config.Config) []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(cfg.Schedule))
	for _, sc := range cfg.Schedule {
		entries = append(entries, schedule.Entry{
			Name:   sc.Name,
			Cron:   sc.Cron,
			Prompt: sc.Prompt,
		})
	}
	return entries
}

// printDevicePrompt shows device-flow login instructions on stdout. It runs
// when an MCP server needs a one-time interactive authorization.
func printDevicePrompt(p mcpauth.UserPrompt) {
	fmt.Printf("\nAuthorization required for MCP server %q\n", p.Server)
	if p.VerificationURIComplete != "" {
		fmt.Printf("  Open: %s\n", p.VerificationURIComplete)
	} else {
		fmt.Printf("  Open: %s\n", p.VerificationURI)
		fmt.Printf("  Code: %s\n", p.UserCode)
	}
	fmt.Println("Waiting for authorization...")
}
