package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmcp/conduit/pkg/types"
)

// sseEchoServer serves an event stream at / and accepts posts at /rpc.
// Posted requests are answered on the stream with the method echoed back.
type sseEchoServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	streams []chan string
}

func newSSEEchoServer(t *testing.T) *sseEchoServer {
	t.Helper()
	s := &sseEchoServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		out := make(chan string, 16)
		s.mu.Lock()
		s.streams = append(s.streams, out)
		s.mu.Unlock()

		io.WriteString(w, "event: endpoint\ndata: /rpc\n\n")
		flusher.Flush()

		for {
			select {
			case msg := <-out:
				io.WriteString(w, "event: message\ndata: "+msg+"\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req types.RPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(map[string]string{"echo": req.Method})
		resp := types.RPCResponse{JSONRPC: types.JSONRPCVersion, ID: req.ID, Result: raw}
		data, _ := json.Marshal(resp)

		s.mu.Lock()
		for _, stream := range s.streams {
			stream <- string(data)
		}
		s.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func TestSSETransport_SendReceive(t *testing.T) {
	s := newSSEEchoServer(t)

	tr, err := NewSSETransport(&Config{
		Kind:    types.TransportSSE,
		Server:  "sse1",
		URL:     s.srv.URL + "/",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.IsConnected())
	assert.Equal(t, types.TransportSSE, tr.Kind())

	resp, err := tr.Send(context.Background(), types.NewRequest(1, "resources/list", nil))
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, resp.DecodeResult(&out))
	assert.Equal(t, "resources/list", out["echo"])
}

func TestSSETransport_EndpointResolvedAgainstBase(t *testing.T) {
	s := newSSEEchoServer(t)

	tr, err := NewSSETransport(&Config{
		Kind:    types.TransportSSE,
		Server:  "sse1",
		URL:     s.srv.URL + "/",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer tr.Close()

	tr.postURLMu.RLock()
	postURL := tr.postURL
	tr.postURLMu.RUnlock()
	assert.Equal(t, s.srv.URL+"/rpc", postURL)
}

func TestSSETransport_PostErrorFailsRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: endpoint\ndata: /rpc\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := NewSSETransport(&Config{
		Kind:    types.TransportSSE,
		Server:  "sse1",
		URL:     srv.URL + "/",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), types.NewRequest(1, "ping", nil))
	require.Error(t, err)

	var protoErr *types.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestNewSSETransport_MissingURL(t *testing.T) {
	tr, err := NewSSETransport(&Config{Kind: types.TransportSSE, Server: "s"})
	assert.Error(t, err)
	assert.Nil(t, tr)
}

func TestNewSSETransport_NoEndpointEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := NewSSETransport(&Config{
		Kind:    types.TransportSSE,
		Server:  "sse1",
		URL:     srv.URL,
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint event")
}
