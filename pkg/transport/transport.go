package transport

// Package transport provides the wire-level connection to tool servers.
// Supports pipe (spawned subprocess), socket, and event-stream transports.

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitmcp/conduit/pkg/types"
)

// Transport defines the interface for server communication.
// All transports speak newline-delimited JSON-RPC and correlate
// responses to requests by id.
type Transport interface {
	// Send sends a request and waits for the matching response
	Send(ctx context.Context, req *types.RPCRequest) (*types.RPCResponse, error)

	// SendAsync sends a request and returns immediately with a channel for
	// the response. Multiple requests may be in flight at once.
	SendAsync(ctx context.Context, req *types.RPCRequest) <-chan *AsyncResult

	// Close closes the transport and releases resources
	Close() error

	// IsConnected returns true if the transport is ready to send requests
	IsConnected() bool

	// Kind returns the transport kind
	Kind() types.TransportKind

	// Reconnect tears down and re-establishes the underlying channel
	Reconnect(ctx context.Context) error
}

// AsyncResult wraps the response or error from an async request
type AsyncResult struct {
	Response  *types.RPCResponse
	Error     error
	RequestID interface{}
	Duration  time.Duration
}

// Config holds configuration for creating transports
type Config struct {
	// Common
	Kind    types.TransportKind
	Server  string
	Timeout time.Duration

	// Socket / event-stream specific
	URL string

	// Pipe specific
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
}

// ConfigFromServer derives a transport config from a server config.
func ConfigFromServer(id string, sc types.ServerConfig) *Config {
	return &Config{
		Kind:    sc.Transport,
		Server:  id,
		Timeout: sc.Timeout(),
		URL:     sc.URL,
		Command: sc.Command,
		Args:    sc.Args,
		Env:     sc.Env,
		WorkDir: sc.WorkDir,
	}
}

// New creates a transport based on configuration
func New(cfg *Config) (Transport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Kind {
	case types.TransportPipe:
		return NewPipeTransport(cfg)
	case types.TransportSocket:
		return NewSocketTransport(cfg)
	case types.TransportSSE:
		return NewSSETransport(cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// Factory creates a transport for a server. The manager uses the package
// default; tests substitute their own.
type Factory func(cfg *Config) (Transport, error)

// normalizeID normalizes request/response ids for consistent map lookup.
// JSON unmarshals numbers as float64, but we issue them as int.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int(v)
	case float32:
		return int(v)
	case int64:
		return int(v)
	case int32:
		return int(v)
	default:
		return id
	}
}
