package connection

// Package connection manages the lifecycle of tool-server connections:
// handshake, request ids, retries, health tracking, and fan-out calls.

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/transport"
	"github.com/conduitmcp/conduit/pkg/types"
)

// Connection is one live session with a tool server. It owns the request
// id counter; ids only ever grow, even across transport reconnects, so a
// late response from before a reconnect can never match a new request.
type Connection struct {
	ServerID string

	config    types.ServerConfig
	transport transport.Transport

	nextID atomic.Int64

	serverInfo  types.ServerInfo
	initialized atomic.Bool

	// Advertised capabilities, refreshed by ListTools/ListResources
	toolsMu   sync.RWMutex
	tools     []types.ToolDefinition
	resources []types.ResourceDefinition
}

// NewConnection wraps an established transport. Initialize must be called
// before any other operation.
func NewConnection(serverID string, cfg types.ServerConfig, tr transport.Transport) *Connection {
	return &Connection{
		ServerID:  serverID,
		config:    cfg,
		transport: tr,
	}
}

// nextRequestID returns a fresh id. Strictly increasing for the life of
// the Connection.
func (c *Connection) nextRequestID() int {
	return int(c.nextID.Add(1))
}

// send issues one request with the server's timeout applied and maps
// timeouts and wire errors to typed errors.
func (c *Connection) send(ctx context.Context, method string, params map[string]interface{}) (*types.RPCResponse, error) {
	timeout := c.config.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := types.NewRequest(c.nextRequestID(), method, params)

	start := time.Now()
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.RequestTimeoutError{
				Server:  c.ServerID,
				Method:  method,
				Timeout: timeout,
			}
		}
		return nil, err
	}

	log.Debug().
		Str("server", c.ServerID).
		Str("method", method).
		Dur("duration", time.Since(start)).
		Msg("Request completed")

	return resp, nil
}

// Initialize performs the handshake. Required before any call.
func (c *Connection) Initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": types.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    types.ClientName,
			"version": "1.0.0",
		},
	}

	resp, err := c.send(ctx, types.MethodInitialize, params)
	if err != nil {
		return &types.ConnectionError{Server: c.ServerID, Err: err}
	}
	if resp.Error != nil {
		return &types.ProtocolError{Server: c.ServerID, Detail: "initialize: " + resp.Error.Message}
	}

	var result types.InitializeResult
	if err := resp.DecodeResult(&result); err != nil {
		return &types.ProtocolError{Server: c.ServerID, Detail: "initialize: " + err.Error()}
	}

	c.serverInfo = result.ServerInfo
	c.initialized.Store(true)

	log.Info().
		Str("server", c.ServerID).
		Str("remote", result.ServerInfo.Name).
		Str("protocol", result.ProtocolVersion).
		Msg("Server initialized")

	return nil
}

// ListTools fetches the server's tools and caches them for call validation.
func (c *Connection) ListTools(ctx context.Context) ([]types.ToolDefinition, error) {
	resp, err := c.send(ctx, types.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "tools/list: " + resp.Error.Message}
	}

	var result types.ToolsListResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "tools/list: " + err.Error()}
	}

	for i := range result.Tools {
		result.Tools[i].ServerID = c.ServerID
	}

	c.toolsMu.Lock()
	c.tools = result.Tools
	c.toolsMu.Unlock()

	return result.Tools, nil
}

// ListResources fetches the server's resources.
func (c *Connection) ListResources(ctx context.Context) ([]types.ResourceDefinition, error) {
	resp, err := c.send(ctx, types.MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		// Many servers simply don't implement resources
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "resources/list: " + resp.Error.Message}
	}

	var result types.ResourcesListResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "resources/list: " + err.Error()}
	}

	c.toolsMu.Lock()
	c.resources = result.Resources
	c.toolsMu.Unlock()

	return result.Resources, nil
}

// HasTool reports whether the server advertised the named tool.
func (c *Connection) HasTool(name string) bool {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Tools returns the cached tool list.
func (c *Connection) Tools() []types.ToolDefinition {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]types.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// Resources returns the cached resource list.
func (c *Connection) Resources() []types.ResourceDefinition {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]types.ResourceDefinition, len(c.resources))
	copy(out, c.resources)
	return out
}

// CallTool invokes a tool. The name is validated against the advertised
// list before anything hits the wire.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.ToolResult, error) {
	c.toolsMu.RLock()
	known := len(c.tools) > 0
	c.toolsMu.RUnlock()

	if known && !c.HasTool(name) {
		return nil, &types.ToolNotFoundError{Server: c.ServerID, Tool: name}
	}

	if args == nil {
		args = make(map[string]interface{})
	}
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, types.MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "tools/call: " + resp.Error.Message}
	}

	var result types.ToolResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "tools/call: " + err.Error()}
	}

	return &result, nil
}

// ReadResource reads a resource by uri.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*types.ResourceContents, error) {
	params := map[string]interface{}{"uri": uri}

	resp, err := c.send(ctx, types.MethodResourcesRead, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "resources/read: " + resp.Error.Message}
	}

	var result types.ResourceContents
	if err := resp.DecodeResult(&result); err != nil {
		return nil, &types.ProtocolError{Server: c.ServerID, Detail: "resources/read: " + err.Error()}
	}

	return &result, nil
}

// IsConnected reports whether the underlying transport is up.
func (c *Connection) IsConnected() bool {
	return c.transport.IsConnected()
}

// ServerInfo returns the remote server's reported identity.
func (c *Connection) ServerInfo() types.ServerInfo {
	return c.serverInfo
}

// Reconnect re-establishes the transport and redoes the handshake.
// The id counter is NOT reset.
func (c *Connection) Reconnect(ctx context.Context) error {
	if err := c.transport.Reconnect(ctx); err != nil {
		return err
	}
	c.initialized.Store(false)
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	if _, err := c.ListTools(ctx); err != nil {
		log.Warn().Err(err).Str("server", c.ServerID).Msg("Tool refresh after reconnect failed")
	}
	return nil
}

// Close shuts the connection down.
func (c *Connection) Close() error {
	c.initialized.Store(false)
	return c.transport.Close()
}
