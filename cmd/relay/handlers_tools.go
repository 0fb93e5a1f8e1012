package main

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/builtin"
)

// runToolsList prints the built-in tool suite grouped by category.
func runToolsList(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, builtin.Config{
		MaxReadBytes:      cfg.Tools.MaxReadBytes,
		FetchMaxBytes:     cfg.Tools.FetchMaxBytes,
		AllowPrivateHosts: cfg.Tools.AllowPrivateHosts,
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	byCategory := make(map[string][]tools.Tool)
	for _, tool := range registry.List() {
		byCategory[tool.Category()] = append(byCategory[tool.Category()], tool)
	}
	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		fmt.Printf("%s:\n", category)
		list := byCategory[category]
		sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
		for _, tool := range list {
			fmt.Printf("  %-22s %s\n", tool.Name(), tool.Description())
		}
	}

	if len(cfg.MCP.Servers) > 0 {
		names := make([]string, 0, len(cfg.MCP.Servers))
		for _, server := range cfg.MCP.Servers {
			names = append(names, server.Name)
		}
		fmt.Printf("\nMCP servers (tools discovered at connect time): %v\n", names)
	}
	return nil
}
