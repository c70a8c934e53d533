package types

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 wire format. Every message is a single JSON object
// terminated by a newline; requests and responses are correlated by id.

const (
	JSONRPCVersion  = "2.0"
	ProtocolVersion = "2024-11-05"

	ClientName = "conduit"
)

// Wire methods understood by tool servers.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// RPCRequest represents a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id,omitempty"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// NewRequest builds a request with the protocol version filled in.
func NewRequest(id interface{}, method string, params map[string]interface{}) *RPCRequest {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &RPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// IsNotification reports whether the request carries no id and so expects
// no response.
func (r *RPCRequest) IsNotification() bool {
	return r.ID == nil
}

// RPCResponse represents a JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// DecodeResult unmarshals the result payload into v.
func (r *RPCResponse) DecodeResult(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(r.Result, v)
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ServerInfo identifies the remote server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ToolsListResult is the payload of a tools/list response.
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ResourcesListResult is the payload of a resources/list response.
type ResourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

// ResourceContents is the payload of a resources/read response.
type ResourceContents struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is one chunk of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}
