package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mroger/tom/agent/protocol/mcp"
	"github.com/mroger/tom/internal/provider"
)

// Client implements provider.ToolProvider by calling a remote provider
// process over mcp.HTTPTransport, one synchronous POST per operation. This
// is how the gateway/backend reach a tool provider deployed as a separate
// stateless-HTTP service, per spec §4.3 / Glossary "MCP".
type Client struct {
	name      string
	transport *mcp.HTTPTransport
	nextID    atomic.Int64
}

// NewClient builds a remote ToolProvider client against endpoint (the
// provider's base RPC URL, e.g. "https://tasks-internal:8443/rpc").
func NewClient(name, endpoint string, logger *zap.Logger) *Client {
	return &Client{name: name, transport: mcp.NewHTTPTransport(endpoint, logger)}
}

var _ provider.ToolProvider = (*Client)(nil)

func (c *Client) Name() string { return c.name }

func (c *Client) call(ctx context.Context, method string, params map[string]any) (*mcp.MCPMessage, error) {
	id := c.nextID.Add(1)
	resp, err := c.transport.Call(ctx, &mcp.MCPMessage{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %s: %w", c.name, method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("provider %s: %s: [%d] %s", c.name, method, resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

func (c *Client) decodeInto(result any, out any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Describe fetches the remote provider's description, caching nothing
// (stateless by design — each call round-trips).
func (c *Client) Describe() string {
	resp, err := c.call(context.Background(), "describe", nil)
	if err != nil {
		return ""
	}
	var d describeResult
	_ = c.decodeInto(resp.Result, &d)
	return d.Description
}

// Complexity, SystemContext and IsPersonal all require one "describe" round
// trip each; callers that need several of these fields together should
// prefer caching the describeResult themselves via a direct call().
func (c *Client) Complexity() int {
	resp, err := c.call(context.Background(), "describe", nil)
	if err != nil {
		return 0
	}
	var d describeResult
	_ = c.decodeInto(resp.Result, &d)
	return d.Complexity
}

func (c *Client) SystemContext() string {
	resp, err := c.call(context.Background(), "describe", nil)
	if err != nil {
		return ""
	}
	var d describeResult
	_ = c.decodeInto(resp.Result, &d)
	return d.SystemContext
}

func (c *Client) IsPersonal() bool {
	resp, err := c.call(context.Background(), "describe", nil)
	if err != nil {
		return false
	}
	var d describeResult
	_ = c.decodeInto(resp.Result, &d)
	return d.IsPersonal
}

func (c *Client) Tools() []provider.ToolSpec {
	resp, err := c.call(context.Background(), "tools.list", nil)
	if err != nil {
		return nil
	}
	var tools []provider.ToolSpec
	_ = c.decodeInto(resp.Result, &tools)
	return tools
}

func (c *Client) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	resp, err := c.call(ctx, "tools.call", map[string]any{"name": name, "arguments": json.RawMessage(argsJSON)})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) BackgroundStatus(ctx context.Context) (string, bool) {
	resp, err := c.call(ctx, "background_status", nil)
	if err != nil {
		return "", false
	}
	var b backgroundStatusResult
	_ = c.decodeInto(resp.Result, &b)
	return b.Status, b.OK
}

func (c *Client) PromptConsign(ctx context.Context) (json.RawMessage, bool) {
	resp, err := c.call(ctx, "prompt_consign", nil)
	if err != nil || resp.Result == nil {
		return nil, false
	}
	body, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, false
	}
	return body, true
}
