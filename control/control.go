// Package control exposes the recorder over MCP so operators and agents can
// inspect and drive a running recording session.
package control

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tempslabs/replay/kit"
	"github.com/tempslabs/replay/recorder"
)

// Controller bridges MCP tools to a Recorder.
type Controller struct {
	rec *recorder.Recorder
}

// New creates a Controller for rec.
func New(rec *recorder.Recorder) *Controller {
	return &Controller{rec: rec}
}

// RegisterMCP registers the replay tools on an MCP server.
func (c *Controller) RegisterMCP(srv *mcp.Server) {
	c.registerStatusTool(srv)
	c.registerStartTool(srv)
	c.registerStopTool(srv)
	c.registerFlushTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Status is the replay_status tool response.
type Status struct {
	Recording      bool   `json:"recording"`
	SessionID      string `json:"session_id,omitempty"`
	BufferedEvents int    `json:"buffered_events"`
	ShouldRecord   bool   `json:"should_record"`
}

func (c *Controller) status() Status {
	return Status{
		Recording:      c.rec.Recording(),
		SessionID:      c.rec.SessionID(),
		BufferedEvents: c.rec.BufferedEvents(),
		ShouldRecord:   c.rec.ShouldRecord(),
	}
}

func (c *Controller) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "replay_status",
		Description: "Get the recorder state: whether recording is active, the session ID, and the buffered event count.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (c *Controller) registerStartTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "replay_start",
		Description: "Start recording the current page. No-op when already recording, when the page is excluded, or when the session was not sampled.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		c.rec.Start(ctx)
		return c.status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (c *Controller) registerStopTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "replay_stop",
		Description: "Stop recording: flush buffered events reliably and clear the session. A later replay_start begins a fresh session.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		c.rec.Stop()
		return c.status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type flushRequest struct {
	Reliable bool `json:"reliable,omitempty"`
}

func (c *Controller) registerFlushTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "replay_flush",
		Description: "Flush buffered events to the backend now instead of waiting for the batch size or interval.",
		InputSchema: inputSchema(map[string]any{
			"reliable": map[string]any{"type": "boolean", "description": "Use the teardown (fire-and-forget) path instead of the retried one"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*flushRequest)
		if r.Reliable {
			c.rec.HandlePageHide()
		} else {
			c.rec.Flush(ctx)
		}
		return c.status(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r flushRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
