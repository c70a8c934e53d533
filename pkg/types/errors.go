package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionClosed is delivered to every pending request when a
// transport shuts down.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectionError wraps a transport-level failure for one server.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server %s: connection error: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected wire message.
type ProtocolError struct {
	Server string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server %s: protocol error: %s", e.Server, e.Detail)
}

// ToolNotFoundError reports a call to a tool the server never advertised.
type ToolNotFoundError struct {
	Server string
	Tool   string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found on server %s", e.Tool, e.Server)
}

// RequestTimeoutError reports a request that outlived its deadline.
type RequestTimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("server %s: %s timed out after %s", e.Server, e.Method, e.Timeout)
}

// RoutingValidationError reports a routing plan that references unknown
// servers or tools.
type RoutingValidationError struct {
	Server string
	Tool   string
	Reason string
}

func (e *RoutingValidationError) Error() string {
	return fmt.Sprintf("invalid routing plan (server=%s tool=%s): %s", e.Server, e.Tool, e.Reason)
}

// LLMProviderError wraps a failure from a chat-completion provider.
type LLMProviderError struct {
	Provider string
	Err      error
}

func (e *LLMProviderError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *LLMProviderError) Unwrap() error { return e.Err }
