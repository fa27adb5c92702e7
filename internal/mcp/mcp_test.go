package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

func newEchoServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("echo-server", "1.0.0")
	srv.AddTool(
		mcpgo.NewTool("echo",
			mcpgo.WithDescription("Echo the given text back."),
			mcpgo.WithString("text", mcpgo.Required()),
		),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcpgo.NewToolResultError(err.Error()), nil
			}
			return mcpgo.NewToolResultText("echo: " + text), nil
		},
	)
	srv.AddTool(
		mcpgo.NewTool("always_fails", mcpgo.WithDescription("Always reports a failure.")),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultError("remote boom"), nil
		},
	)
	return srv
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	c, err := mcpclient.NewInProcessClient(newEchoServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.attach(ctx, "echo", "inprocess", c, true, time.Second); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestAttachBridgesPrefixedTools(t *testing.T) {
	m := newTestManager(t)

	byName := make(map[string]tools.Tool)
	for _, tl := range m.Tools() {
		byName[tl.Name()] = tl
	}
	echo, ok := byName["echo_echo"]
	if !ok {
		t.Fatalf("tools = %v, want echo_echo", names(m))
	}
	if _, ok := byName["echo_always_fails"]; !ok {
		t.Fatalf("tools = %v, want echo_always_fails", names(m))
	}
	if tools.CoreTool(echo.Name()) {
		t.Errorf("%s claims a core tool prefix", echo.Name())
	}

	params := echo.Parameters()
	if params["type"] != "object" {
		t.Errorf("schema type = %v", params["type"])
	}
	props, _ := params["properties"].(map[string]interface{})
	if _, ok := props["text"]; !ok {
		t.Errorf("schema properties = %v, want text", props)
	}

	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].Name != "echo" || statuses[0].ToolCount != 2 {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestBridgedToolExecutes(t *testing.T) {
	m := newTestManager(t)
	reg := tools.NewRegistry()
	for _, tl := range m.Tools() {
		reg.Register(tl)
	}
	ctx := context.Background()

	out := reg.Execute(ctx, "echo_echo", map[string]interface{}{"text": "hi"})
	if out != "echo: hi" {
		t.Errorf("echo result = %q", out)
	}

	fail := reg.Execute(ctx, "echo_always_fails", nil)
	if !tools.IsError(fail) || !strings.Contains(fail, "remote boom") {
		t.Errorf("failure result = %q", fail)
	}

	missing := reg.Execute(ctx, "echo_echo", nil)
	if !tools.IsError(missing) {
		t.Errorf("missing argument result = %q", missing)
	}
}

func TestParseServers(t *testing.T) {
	raw := map[string]interface{}{
		"github": map[string]interface{}{
			"transport": "stdio",
			"command":   "github-mcp-server",
			"args":      []interface{}{"stdio"},
			"env":       map[string]interface{}{"GITHUB_TOKEN": "t"},
		},
		"search": map[string]interface{}{
			"transport": "streamable-http",
			"url":       "http://localhost:9001/mcp",
			"enabled":   false,
		},
		"broken": "not an object",
	}

	cfgs := ParseServers(raw)
	if len(cfgs) != 2 {
		t.Fatalf("parsed %d servers, want 2", len(cfgs))
	}
	gh := cfgs["github"]
	if !gh.Enabled || gh.Command != "github-mcp-server" || len(gh.Args) != 1 || gh.Env["GITHUB_TOKEN"] != "t" {
		t.Errorf("github = %+v", gh)
	}
	if cfgs["search"].Enabled {
		t.Error("search should be disabled")
	}

	if got := ParseServers(nil); got != nil {
		t.Errorf("ParseServers(nil) = %v", got)
	}
}

func names(m *Manager) []string {
	var out []string
	for _, tl := range m.Tools() {
		out = append(out, tl.Name())
	}
	return out
}
