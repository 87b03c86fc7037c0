// Package mcp is a minimal Model Context Protocol client used to reach a
// remote geo server when neighborhood analysis is delegated.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const protocolVersion = "2024-11-05"

// ErrClosed is returned to pending calls once the transport stops.
var ErrClosed = errors.New("mcp transport closed")

// Client speaks JSON-RPC over a Transport.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse
	closed    bool
	done      chan struct{}
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Tool is a tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one block of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the decoded tools/call result.
type ToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolError is returned when the server reports isError.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp tool %s failed: %s", e.Tool, e.Message)
}

func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("component", "mcp", "server", name),
		pending:   make(map[int64]chan jsonRPCResponse),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c
}

func (c *Client) listen() {
	defer c.failPending()
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logger.Debug("ignoring non-response message", "error", err)
			continue
		}
		if resp.ID == 0 {
			continue // notification
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- resp
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.pending = make(map[int64]chan jsonRPCResponse)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	b, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.transport.Send(ctx, b); err != nil {
		forget()
		return nil, err
	}

	select {
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "sdoh-analyst",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	b, _ := json.Marshal(jsonRPCNotification{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err := c.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls tools/call. A result flagged isError comes back as a
// *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args any) (ToolResult, error) {
	res, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return ToolResult{}, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var out ToolResult
	if err := json.Unmarshal(res, &out); err != nil {
		return ToolResult{}, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	if out.IsError {
		return out, &ToolError{Tool: name, Message: out.Text()}
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.transport.Close()
}
