package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/mcpauth"
)

// rpcServer is a minimal MCP server for tests.
type rpcServer struct {
	mu       sync.Mutex
	methods  []string
	headers  []http.Header
	toolText string
}

func (s *rpcServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-authorization-server" {
			json.NewEncoder(w).Encode(map[string]string{
				"token_endpoint": "http://" + r.Host + "/token",
			})
			return
		}

		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		switch req.Method {
		case "initialize":
			writeRPCResult(w, req.ID, InitializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      ServerInfo{Name: "test-server", Version: "0.1.0"},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			writeRPCResult(w, req.ID, ListToolsResult{Tools: []*ToolDescriptor{
				{Name: "lookup", Description: "Look things up", InputSchema: json.RawMessage(`{"type":"object"}`)},
			}})
		case "tools/call":
			var params CallToolParams
			json.Unmarshal(req.Params, &params)
			text := s.toolText
			if text == "" {
				text = "result for " + params.Name
			}
			writeRPCResult(w, req.ID, ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: text}}})
		default:
			writeRPCError(w, req.ID, &RPCError{Code: -32601, Message: "method not found"})
		}
	}
}

func writeRPCResult(w http.ResponseWriter, id string, result any) {
	payload, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: payload})
}

func writeRPCError(w http.ResponseWriter, id string, rpcErr *RPCError) {
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func (s *rpcServer) callAuth(method string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.methods {
		if m == method {
			return s.headers[i].Get("Authorization")
		}
	}
	return ""
}

func newTestServer(t *testing.T, backend *rpcServer) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)
	return server
}

func TestClientConnectHandshake(t *testing.T) {
	backend := &rpcServer{}
	server := newTestServer(t, backend)

	client := NewClient(&ServerConfig{Name: "test", URL: server.URL}, nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.Connected() {
		t.Error("client not marked connected")
	}
	if client.ServerInfo().Name != "test-server" {
		t.Errorf("server info = %+v", client.ServerInfo())
	}
	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "lookup" {
		t.Fatalf("tools = %+v", tools)
	}

	backend.mu.Lock()
	methods := append([]string(nil), backend.methods...)
	backend.mu.Unlock()
	want := []string{"initialize", "notifications/initialized", "tools/list"}
	if len(methods) != len(want) {
		t.Fatalf("methods = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("method[%d] = %q, want %q", i, methods[i], want[i])
		}
	}
}

func TestClientCallTool(t *testing.T) {
	backend := &rpcServer{toolText: "found it"}
	server := newTestServer(t, backend)

	client := NewClient(&ServerConfig{Name: "test", URL: server.URL}, nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := client.CallTool(context.Background(), "lookup", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.Text() != "found it" {
		t.Errorf("text = %q", result.Text())
	}
}

func TestClientAppliesHeaderAuth(t *testing.T) {
	backend := &rpcServer{}
	server := newTestServer(t, backend)

	auth := &mcpauth.TransportAuth{
		Mode:    mcpauth.TransportAuthHeaders,
		Headers: map[string]string{"Authorization": "Bearer token-abc"},
	}
	client := NewClient(&ServerConfig{Name: "test", URL: server.URL}, auth, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := backend.callAuth("initialize"); got != "Bearer token-abc" {
		t.Errorf("initialize auth header = %q", got)
	}
	if got := backend.callAuth("tools/list"); got != "Bearer token-abc" {
		t.Errorf("tools/list auth header = %q", got)
	}
}

// endpointProvider records the discovered token endpoint.
type endpointProvider struct {
	mu       sync.Mutex
	endpoint string
	token    *mcpauth.StoredToken
}

func (p *endpointProvider) SetTokenEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = url
}

func (p *endpointProvider) Token(ctx context.Context) (*mcpauth.StoredToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func TestClientDiscoversTokenEndpointForProviderAuth(t *testing.T) {
	backend := &rpcServer{}
	server := newTestServer(t, backend)

	provider := &endpointProvider{token: &mcpauth.StoredToken{AccessToken: "minted", TokenType: "Bearer"}}
	auth := &mcpauth.TransportAuth{Mode: mcpauth.TransportAuthProvider, Provider: provider}

	client := NewClient(&ServerConfig{Name: "test", URL: server.URL}, auth, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	provider.mu.Lock()
	endpoint := provider.endpoint
	provider.mu.Unlock()
	if endpoint == "" {
		t.Fatal("token endpoint was not discovered")
	}
	if got := backend.callAuth("initialize"); got != "Bearer minted" {
		t.Errorf("auth header = %q, want minted bearer", got)
	}
}

func TestClientRejectsRPCError(t *testing.T) {
	backend := &rpcServer{}
	server := newTestServer(t, backend)

	client := NewClient(&ServerConfig{Name: "test", URL: server.URL}, nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := client.call(context.Background(), "no/such/method", nil)
	if err == nil {
		t.Fatal("expected rpc error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("error = %v", err)
	}
}
