package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "auth", "tools", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay/env.yaml")

	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("flag should win: got %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/relay/env.yaml" {
		t.Errorf("env should win over default: got %q", got)
	}

	t.Setenv("RELAY_CONFIG", "")
	if got := resolveConfigPath(""); got != "relay.yaml" {
		t.Errorf("default should apply: got %q", got)
	}
}
