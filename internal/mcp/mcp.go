// Package mcp connects to Model Context Protocol tool servers and exposes
// their tools on the agent's tool surface. Bridged tool names carry the
// server name as prefix, so they never collide with the core surfaces.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// ServerConfig describes one MCP server from the config tree.
type ServerConfig struct {
	Transport  string // stdio, sse, streamable-http
	Command    string
	Args       []string
	Env        map[string]string
	URL        string
	Headers    map[string]string
	Enabled    bool
	TimeoutSec int
}

// ServerStatus reports one connected server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	ToolCount int    `json:"tool_count"`
}

type serverConn struct {
	name      string
	transport string
	client    *mcpclient.Client
	tools     []tools.Tool
}

// Manager holds the live MCP server connections and the tools they bridge.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*serverConn
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{servers: make(map[string]*serverConn)}
}

// Start connects every enabled server. Connection failures are logged and
// skipped; a broken tool server must not keep the daemon down.
func (m *Manager) Start(ctx context.Context, configs map[string]ServerConfig) {
	for name, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
		}
	}
}

func (m *Manager) connect(ctx context.Context, name string, cfg ServerConfig) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	timeout := defaultCallTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	// Stdio transports start themselves on creation.
	return m.attach(ctx, name, cfg.Transport, c, cfg.Transport != "stdio", timeout)
}

// attach performs the MCP handshake on an already-created client, discovers
// the server's tools, and brings them under management.
func (m *Manager) attach(ctx context.Context, name, transportType string, c *mcpclient.Client, needsStart bool, timeout time.Duration) error {
	if needsStart {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("mcp: start %s: %w", name, err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "tinyclaw", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp: initialize %s: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp: list tools on %s: %w", name, err)
	}

	conn := &serverConn{name: name, transport: transportType, client: c}
	for _, remote := range listed.Tools {
		bt := newBridgeTool(name, remote, c, timeout)
		if tools.CoreTool(bt.Name()) {
			slog.Warn("mcp tool shadows a core surface, skipped", "server", name, "tool", bt.Name())
			continue
		}
		conn.tools = append(conn.tools, bt)
	}

	m.mu.Lock()
	m.servers[name] = conn
	m.mu.Unlock()

	slog.Info("mcp server connected", "server", name, "tools", len(conn.tools))
	return nil
}

// Tools returns every bridged tool across connected servers.
func (m *Manager) Tools() []tools.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tools.Tool
	for _, conn := range m.servers {
		out = append(out, conn.tools...)
	}
	return out
}

// Statuses reports the connected servers.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, conn := range m.servers {
		out = append(out, ServerStatus{Name: conn.name, Transport: conn.transport, ToolCount: len(conn.tools)})
	}
	return out
}

// Close shuts every server connection down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.servers {
		if err := conn.client.Close(); err != nil {
			slog.Debug("mcp server close failed", "server", name, "error", err)
		}
	}
	m.servers = make(map[string]*serverConn)
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", cfg.Transport)
	}
}

// ParseServers reads the mcp.servers config section into typed configs.
// Malformed entries are dropped with a warning.
func ParseServers(raw interface{}) map[string]ServerConfig {
	section, ok := raw.(map[string]interface{})
	if !ok || len(section) == 0 {
		return nil
	}
	out := make(map[string]ServerConfig, len(section))
	for name, v := range section {
		entry, ok := v.(map[string]interface{})
		if !ok {
			slog.Warn("mcp server entry is not an object, skipped", "server", name)
			continue
		}
		cfg := ServerConfig{Enabled: true, Transport: "stdio"}
		if s, ok := entry["transport"].(string); ok {
			cfg.Transport = s
		}
		if s, ok := entry["command"].(string); ok {
			cfg.Command = s
		}
		if s, ok := entry["url"].(string); ok {
			cfg.URL = s
		}
		if b, ok := entry["enabled"].(bool); ok {
			cfg.Enabled = b
		}
		if n, ok := entry["timeoutSec"].(float64); ok {
			cfg.TimeoutSec = int(n)
		}
		if list, ok := entry["args"].([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					cfg.Args = append(cfg.Args, s)
				}
			}
		}
		cfg.Env = stringMap(entry["env"])
		cfg.Headers = stringMap(entry["headers"])
		out[name] = cfg
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	tree, ok := v.(map[string]interface{})
	if !ok || len(tree) == 0 {
		return nil
	}
	out := make(map[string]string, len(tree))
	for k, item := range tree {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}
