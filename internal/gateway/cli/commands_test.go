package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmcp/conduit/pkg/types"
)

func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Catalog{
			Servers: []types.ServerCatalogEntry{
				{
					ServerID: "files",
					Status:   types.StatusConnected,
					Tools: []types.ToolDefinition{
						{Name: "read_file", Description: "reads a file"},
					},
				},
			},
			GeneratedAt: time.Now(),
		})
	})
	mux.HandleFunc("/api/v1/servers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"servers": map[string]types.ConnectionHealth{
				"files": {ServerID: "files", Connected: true, TotalCalls: 3},
			},
			"total": 1,
		})
	})
	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req types.QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(types.QueryResponse{
			Plan: &types.RoutingPlan{
				Intent:     "file.read",
				ServerID:   "files",
				Tool:       "read_file",
				Confidence: 0.8,
			},
		})
	})
	mux.HandleFunc("/api/v1/tools/call", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.CallToolResponse{
			Success: true,
			Result:  &types.ToolResult{Content: []types.ContentBlock{{Type: "text", Text: "hello"}}},
		})
	})
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "all servers down", Code: "down"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func runCommand(t *testing.T, gateway string, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	root := newRoot(&CLI{client: &http.Client{}, out: &buf})
	root.SetArgs(append(args, "--addr", gateway))
	root.SetOut(&buf)
	root.SetErr(&buf)

	err := root.Execute()
	return buf.String(), err
}

func TestToolList(t *testing.T) {
	gw := fakeGateway(t)

	out, err := runCommand(t, gw.URL, "tool", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "read_file")
	assert.Contains(t, out, "reads a file")
}

func TestToolListJSON(t *testing.T) {
	gw := fakeGateway(t)

	out, err := runCommand(t, gw.URL, "tool", "list", "--format", "json")
	require.NoError(t, err)

	var catalog types.Catalog
	require.NoError(t, json.Unmarshal([]byte(out), &catalog))
	require.Len(t, catalog.Servers, 1)
}

func TestToolCall(t *testing.T) {
	gw := fakeGateway(t)

	out, err := runCommand(t, gw.URL, "tool", "call", "files", "read_file", "--args", `{"path":"/tmp/x"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestToolCallBadArgsJSON(t *testing.T) {
	gw := fakeGateway(t)

	_, err := runCommand(t, gw.URL, "tool", "call", "files", "read_file", "--args", "{broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --args JSON")
}

func TestQueryCommand(t *testing.T) {
	gw := fakeGateway(t)

	out, err := runCommand(t, gw.URL, "query", "read", "the", "file")
	require.NoError(t, err)
	assert.Contains(t, out, "files")
	assert.Contains(t, out, "read_file")
	assert.Contains(t, out, "0.80")
}

func TestServersCommand(t *testing.T) {
	gw := fakeGateway(t)

	out, err := runCommand(t, gw.URL, "servers")
	require.NoError(t, err)
	assert.Contains(t, out, "files")
	assert.Contains(t, out, "true")
}

func TestHealthCommandSurfacesAPIError(t *testing.T) {
	gw := fakeGateway(t)

	_, err := runCommand(t, gw.URL, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all servers down")
}

func TestGatewayUnreachable(t *testing.T) {
	_, err := runCommand(t, "http://127.0.0.1:1", "servers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/conduit.yaml"
	yaml := `
gateway:
  port: 8080
servers:
  files:
    transport: pipe
    command: /usr/local/bin/files-server
    enabled: true
router:
  confidence_threshold: 0.3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	out, err := runCommand(t, "http://127.0.0.1:1", "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}
