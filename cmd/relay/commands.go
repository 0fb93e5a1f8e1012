package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the serve command that runs the agent loop.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay agent",
		Long: `Starts the relay agent: connects to the configured LLM provider and MCP
servers, loads skills and schedules, then reads prompts from stdin until
interrupted. Replies and background notifications print to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				configPath: resolveConfigPath(configPath),
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: $RELAY_CONFIG or relay.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

// buildAuthCmd creates the auth command group for MCP server credentials.
func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage MCP server credentials",
		Long: `Obtain, inspect, and remove OAuth tokens for remote MCP servers.

Tokens are stored under the configured auth directory with file mode 0600.
Servers using the device-code grant require a one-time interactive login;
client-credentials servers mint tokens automatically at connect time.`,
	}

	var configPath string
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: $RELAY_CONFIG or relay.yaml)")

	loginCmd := &cobra.Command{
		Use:   "login <server>",
		Short: "Authorize a configured MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(resolveConfigPath(configPath), args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials for configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(resolveConfigPath(configPath))
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout <server>",
		Short: "Delete stored credentials for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(resolveConfigPath(configPath), args[0])
		},
	}

	cmd.AddCommand(loginCmd, statusCmd, logoutCmd)
	return cmd
}

// buildToolsCmd creates the tools command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool registry",
	}

	var configPath string
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: $RELAY_CONFIG or relay.yaml)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in tools",
		Long: `Lists the built-in tools the agent registers at startup, grouped by
category. MCP server tools are not shown; they are discovered at connect
time and depend on server availability.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(resolveConfigPath(configPath))
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

// buildVersionCmd creates the version command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
