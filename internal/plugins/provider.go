package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is one callable tool advertised by a plugin server.
type Tool struct {
	Name        string
	Description string
}

// ToolClient is a live connection to a plugin server.
type ToolClient interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer starts a plugin server and completes its handshake.
type Dialer func(ctx context.Context, cfg Config) (ToolClient, error)

// DialStdio launches cfg.Command as an MCP server speaking over stdio.
func DialStdio(ctx context.Context, cfg Config) (ToolClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start plugin %q: %w", cfg.ID, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "stepflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake with plugin %q: %w", cfg.ID, err)
	}
	return &mcpClient{c: c}, nil
}

type mcpClient struct {
	c *client.Client
}

func (m *mcpClient) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := m.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description})
	}
	return tools, nil
}

func (m *mcpClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := m.c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return toolOutput(res)
}

func (m *mcpClient) Ping(ctx context.Context) error { return m.c.Ping(ctx) }

func (m *mcpClient) Close() error { return m.c.Close() }

// toolOutput prefers structured content, then text content decoded as
// JSON when possible, then the raw text.
func toolOutput(res *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, c := range res.Content {
		if t := mcp.GetTextFromContent(c); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		return nil, &ToolError{Message: text}
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

// ToolError is a failure reported by the tool itself rather than the transport.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return "tool error: " + e.Message }
