package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmcp/conduit/internal/connection"
	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/pkg/transport"
	"github.com/conduitmcp/conduit/pkg/types"
)

// scriptedTransport answers the standard handshake plus tools/call.
type scriptedTransport struct {
	tools []string

	mu        sync.Mutex
	connected bool
	calls     int
}

func (f *scriptedTransport) Send(ctx context.Context, req *types.RPCRequest) (*types.RPCResponse, error) {
	var result interface{}
	switch req.Method {
	case types.MethodInitialize:
		result = types.InitializeResult{
			ProtocolVersion: types.ProtocolVersion,
			ServerInfo:      types.ServerInfo{Name: "fake", Version: "0.1"},
		}
	case types.MethodToolsList:
		defs := make([]types.ToolDefinition, len(f.tools))
		for i, name := range f.tools {
			defs[i] = types.ToolDefinition{Name: name, Description: "does " + name}
		}
		result = types.ToolsListResult{Tools: defs}
	case types.MethodResourcesList:
		result = types.ResourcesListResult{}
	case types.MethodToolsCall:
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		result = types.ToolResult{Content: []types.ContentBlock{{Type: "text", Text: "done"}}}
	default:
		return &types.RPCResponse{
			JSONRPC: types.JSONRPCVersion,
			ID:      req.ID,
			Error:   &types.RPCError{Code: -32601, Message: "method not found"},
		}, nil
	}

	raw, _ := json.Marshal(result)
	return &types.RPCResponse{JSONRPC: types.JSONRPCVersion, ID: req.ID, Result: raw}, nil
}

func (f *scriptedTransport) SendAsync(ctx context.Context, req *types.RPCRequest) <-chan *transport.AsyncResult {
	ch := make(chan *transport.AsyncResult, 1)
	resp, err := f.Send(ctx, req)
	ch <- &transport.AsyncResult{Response: resp, Error: err, RequestID: req.ID}
	close(ch)
	return ch
}

func (f *scriptedTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *scriptedTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *scriptedTransport) Kind() types.TransportKind { return types.TransportPipe }

func (f *scriptedTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *scriptedTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *types.Config {
	return &types.Config{
		Servers: map[string]types.ServerConfig{
			"files": {
				Name:      "files",
				Transport: types.TransportPipe,
				Command:   "fake",
				Enabled:   true,
				TimeoutMs: 2000,
			},
		},
		Router:    types.RouterConfig{ConfidenceThreshold: 0.3},
		Discovery: types.DiscoveryConfig{Interval: "1h"},
	}
}

func testEngine(t *testing.T, transports map[string]*scriptedTransport, cfg *types.Config) *Engine {
	t.Helper()

	factory := func(tc *transport.Config) (transport.Transport, error) {
		tr, ok := transports[tc.Server]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", tc.Server)
		}
		_ = tr.Reconnect(context.Background())
		return tr, nil
	}

	e, err := New(cfg, WithManagerOptions(connection.WithTransportFactory(factory)))
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_StartBuildsCatalog(t *testing.T) {
	transports := map[string]*scriptedTransport{
		"files": {tools: []string{"read_file", "search"}},
	}
	e := testEngine(t, transports, testConfig())

	require.NoError(t, e.Start(context.Background()))

	catalog := e.Catalog()
	require.Len(t, catalog.Servers, 1)
	assert.Equal(t, types.StatusConnected, catalog.Servers[0].Status)
	assert.Len(t, catalog.Servers[0].Tools, 2)
}

func TestEngine_QueryRoutesAndExecutes(t *testing.T) {
	transports := map[string]*scriptedTransport{
		"files": {tools: []string{"read_file"}},
	}
	e := testEngine(t, transports, testConfig())
	require.NoError(t, e.Start(context.Background()))

	// No LLM configured, keyword fallback should find read_file.
	resp, err := e.Query(context.Background(), types.QueryRequest{Text: "read the file please", Execute: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, "files", resp.Plan.ServerID)
	assert.Equal(t, "read_file", resp.Plan.Tool)
	assert.True(t, resp.Executed)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "done", resp.Result.Text())
	assert.Equal(t, 1, transports["files"].callCount())
}

func TestEngine_QueryBelowThresholdNotExecuted(t *testing.T) {
	transports := map[string]*scriptedTransport{
		"files": {tools: []string{"obscure_operation"}},
	}
	cfg := testConfig()
	cfg.Router.ConfidenceThreshold = 0.9
	e := testEngine(t, transports, cfg)
	require.NoError(t, e.Start(context.Background()))

	resp, err := e.Query(context.Background(), types.QueryRequest{Text: "zzz qqq", Execute: true})
	require.NoError(t, err)
	assert.False(t, resp.Executed)
	assert.Contains(t, resp.Error, "below threshold")
	assert.Equal(t, 0, transports["files"].callCount())
}

func TestEngine_CallTool(t *testing.T) {
	transports := map[string]*scriptedTransport{
		"files": {tools: []string{"read_file"}},
	}
	e := testEngine(t, transports, testConfig())
	require.NoError(t, e.Start(context.Background()))

	resp, err := e.CallTool(context.Background(), types.CallToolRequest{
		Server: "files",
		Tool:   "read_file",
		Args:   map[string]interface{}{"path": "/tmp/x"},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "done", resp.Result.Text())

	// Unknown tool fails locally.
	resp, err = e.CallTool(context.Background(), types.CallToolRequest{Server: "files", Tool: "nope"})
	require.Error(t, err)
	var notFound *types.ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestEngine_SearchIndexUnconfigured(t *testing.T) {
	e := testEngine(t, map[string]*scriptedTransport{
		"files": {tools: []string{"read_file"}},
	}, testConfig())

	assert.False(t, e.HasSearchIndex())
	_, err := e.SearchIndex(context.Background(), search.SearchParams{Query: "files"})
	assert.Error(t, err)
}

func TestEngine_Reload(t *testing.T) {
	transports := map[string]*scriptedTransport{
		"files": {tools: []string{"read_file"}},
		"notes": {tools: []string{"search_notes"}},
	}
	cfg := testConfig()
	e := testEngine(t, transports, cfg)
	require.NoError(t, e.Start(context.Background()))
	require.Len(t, e.Catalog().Servers, 1)

	next := testConfig()
	next.Servers["notes"] = types.ServerConfig{
		Name:      "notes",
		Transport: types.TransportPipe,
		Command:   "fake",
		Enabled:   true,
		TimeoutMs: 2000,
	}

	require.NoError(t, e.Reload(context.Background(), next))

	require.Eventually(t, func() bool {
		return len(e.Catalog().Servers) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_InvalidDiscoveryInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.Interval = "not-a-duration"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEngine_StatsShape(t *testing.T) {
	e := testEngine(t, map[string]*scriptedTransport{
		"files": {tools: []string{"read_file"}},
	}, testConfig())

	stats := e.Stats()
	assert.Contains(t, stats, "calls")
	assert.Contains(t, stats, "discovery")
	assert.Contains(t, stats, "breakers")
}
