package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/tools"
)

// ToolCaller is the slice of Client the wrapped tools depend on.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
}

// QualifiedName namespaces a remote tool under its server.
func QualifiedName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// RemoteTool adapts one MCP tool descriptor into a registry tool. The
// remote schema passes through verbatim; validation happens server-side.
type RemoteTool struct {
	server      string
	remoteName  string
	description string
	schema      json.RawMessage
	caller      ToolCaller
}

// WrapTool builds the registry adapter for one remote descriptor.
func WrapTool(serverName string, desc *ToolDescriptor, caller ToolCaller) *RemoteTool {
	return &RemoteTool{
		server:      serverName,
		remoteName:  desc.Name,
		description: desc.Description,
		schema:      desc.InputSchema,
		caller:      caller,
	}
}

// WrapAll adapts every descriptor from one server.
func WrapAll(serverName string, descs []*ToolDescriptor, caller ToolCaller) []tools.Tool {
	wrapped := make([]tools.Tool, 0, len(descs))
	for _, desc := range descs {
		wrapped = append(wrapped, WrapTool(serverName, desc, caller))
	}
	return wrapped
}

func (t *RemoteTool) Name() string { return QualifiedName(t.server, t.remoteName) }

func (t *RemoteTool) Description() string {
	if t.description != "" {
		return t.description
	}
	return fmt.Sprintf("Remote tool %s on MCP server %s", t.remoteName, t.server)
}

func (t *RemoteTool) Category() string { return "mcp" }

func (t *RemoteTool) Schema() json.RawMessage { return t.schema }

// Execute forwards the call to the remote server. Remote isError results
// become failed results; transport errors are returned for the executor to
// wrap.
func (t *RemoteTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	result, err := t.caller.CallTool(ctx, t.remoteName, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.Name(), err)
	}
	text := result.Text()
	if result.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return tools.Fail(tools.ErrorUnknown, text), nil
	}
	return tools.OK(text), nil
}
