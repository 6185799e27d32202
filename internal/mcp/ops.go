package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one entry of a resources/read response.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// resourcesListResult is the result payload of a resources/list response.
type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// resourcesReadResult is the result payload of a resources/read response.
type resourcesReadResult struct {
	Contents []ResourceContents `json:"contents"`
}

// call issues a correlated request on the live correlator. Fails with
// ErrConnectionClosed when no connection is up.
func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()

	if corr == nil {
		return nil, ErrConnectionClosed
	}
	return corr.Call(ctx, method, params)
}

// ListTools calls tools/list and returns the available tool definitions.
// Results are cached until the server reports a changed tool list or the
// connection cycles.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	if c.toolsValid {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.toolsValid = true
	c.mu.Unlock()

	c.logger.Debug("discovered tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by its server-local name with the given
// arguments and returns the raw result payload. A result flagged
// isError is returned as an error carrying the rendered content.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	if result.IsError {
		return nil, fmt.Errorf("tool %s returned error: %s", name, RenderContent(result.Content))
	}
	return &result, nil
}

// ListResources calls resources/list.
func (c *Conn) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	var result resourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource calls resources/read for the given URI.
func (c *Conn) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result resourcesReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return result.Contents, nil
}

// Ping checks whether the server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// RenderContent joins content blocks into a single text representation.
// Non-text blocks are represented as inline markers.
func RenderContent(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
