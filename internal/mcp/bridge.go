package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/beacon/internal/tools"
)

// BridgeTool adapts one discovered MCP tool to the registry Tool interface.
// The advertised schema is the server's, passed through untouched.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	name       string
	timeout    time.Duration
	connected  *atomic.Bool
}

// NewBridgeTool wraps a discovered tool. connected gates execution so calls
// against a known-dead server fail fast instead of hanging on the transport.
func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		name:       bridgeName(serverName, tool.Name),
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName returns the tool name as the server advertises it.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return fmt.Sprintf("%s (via MCP server %s)", t.tool.Name, t.serverName)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	raw, err := json.Marshal(t.tool.InputSchema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema) == 0 {
		return map[string]interface{}{"type": "object"}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", t.serverName))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", t.tool.Name, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", t.tool.Name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content)"
	}
	return tools.NewResult(text)
}

// flattenContent renders MCP content blocks as plain text for the model.
// Non-text blocks become short placeholders.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", v.MIMEType, len(v.Data)))
		case mcpgo.EmbeddedResource:
			if tr, ok := v.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, tr.Text)
			} else {
				parts = append(parts, "[embedded resource]")
			}
		default:
			if raw, err := json.Marshal(c); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// bridgeName builds the registry name for a discovered tool. Characters the
// provider function-calling APIs reject are replaced.
func bridgeName(server, tool string) string {
	return "mcp_" + nameSanitizer.ReplaceAllString(server, "_") + "_" + nameSanitizer.ReplaceAllString(tool, "_")
}
