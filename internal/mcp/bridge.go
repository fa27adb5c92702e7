package mcp

import (
	"context"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local tool contract. Remote
// failures and protocol errors come back in the "Error: " convention.
type bridgeTool struct {
	server     string
	remoteName string
	desc       string
	params     map[string]interface{}
	client     *mcpclient.Client
	timeout    time.Duration
}

func newBridgeTool(server string, remote mcpgo.Tool, c *mcpclient.Client, timeout time.Duration) *bridgeTool {
	params := map[string]interface{}{"type": "object"}
	if remote.InputSchema.Type != "" {
		params["type"] = remote.InputSchema.Type
	}
	if len(remote.InputSchema.Properties) > 0 {
		params["properties"] = remote.InputSchema.Properties
	}
	if len(remote.InputSchema.Required) > 0 {
		params["required"] = remote.InputSchema.Required
	}
	return &bridgeTool{
		server:     server,
		remoteName: remote.Name,
		desc:       remote.Description,
		params:     params,
		client:     c,
		timeout:    timeout,
	}
}

func (t *bridgeTool) Name() string { return t.server + "_" + t.remoteName }

func (t *bridgeTool) Description() string {
	if t.desc == "" {
		return "Tool provided by the " + t.server + " MCP server."
	}
	return t.desc
}

func (t *bridgeTool) Parameters() map[string]interface{} { return t.params }

func (t *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) string {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.Errorf("%s: %v", t.Name(), err)
	}
	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			return tools.Errorf("%s failed", t.Name())
		}
		return tools.Errorf("%s", text)
	}
	return text
}

// flattenContent joins the textual parts of an MCP result.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
