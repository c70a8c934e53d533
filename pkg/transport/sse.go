package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// SSETransport receives responses over a long-lived event stream and
// sends requests with HTTP POST. The stream's first "endpoint" event
// names the POST target; "message" events carry JSON-RPC responses.
type SSETransport struct {
	config *Config

	httpClient *http.Client
	stream     io.Closer

	postURL   string
	postURLMu sync.RWMutex
	endpoint  chan struct{} // closed once the endpoint event arrives

	pending   map[interface{}]chan *AsyncResult
	pendingMu sync.Mutex

	connected atomic.Bool

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// NewSSETransport opens the event stream and waits for the endpoint event.
func NewSSETransport(cfg *Config) (*SSETransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required for event-stream transport")
	}

	t := &SSETransport{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		endpoint: make(chan struct{}),
		pending:  make(map[interface{}]chan *AsyncResult),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	if err := t.connect(); err != nil {
		return nil, &types.ConnectionError{Server: cfg.Server, Err: err}
	}

	return t, nil
}

func (t *SSETransport) connect() error {
	log.Info().
		Str("server", t.config.Server).
		Str("url", t.config.URL).
		Msg("Opening event stream")

	req, err := http.NewRequest(http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	t.stream = resp.Body
	t.connected.Store(true)

	go t.readLoop(resp.Body)

	// The server must announce its POST endpoint before we can send
	select {
	case <-t.endpoint:
	case <-time.After(t.config.Timeout):
		resp.Body.Close()
		return fmt.Errorf("no endpoint event within %s", t.config.Timeout)
	}

	return nil
}

// readLoop parses the event stream and dispatches message events
func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer close(t.readDone)
	defer body.Close()

	reader := bufio.NewReader(body)
	var event, data string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if t.connected.Load() {
				log.Error().Err(err).Str("server", t.config.Server).Msg("Event stream read failed")
			}
			t.connected.Store(false)
			t.cancelAllPending(types.ErrConnectionClosed)
			return
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			// Blank line ends the event
			if data != "" {
				t.handleEvent(event, data)
			}
			event, data = "", ""
		}
	}
}

func (t *SSETransport) handleEvent(event, data string) {
	switch event {
	case "endpoint":
		resolved := data
		if base, err := url.Parse(t.config.URL); err == nil {
			if rel, err := url.Parse(data); err == nil {
				resolved = base.ResolveReference(rel).String()
			}
		}
		t.postURLMu.Lock()
		first := t.postURL == ""
		t.postURL = resolved
		t.postURLMu.Unlock()
		if first {
			close(t.endpoint)
		}
		log.Debug().Str("server", t.config.Server).Str("endpoint", resolved).Msg("Received endpoint event")

	case "message", "":
		var resp types.RPCResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			log.Error().
				Err(err).
				Str("server", t.config.Server).
				Str("data", data).
				Msg("Failed to parse stream message")
			return
		}
		if resp.ID == nil {
			log.Debug().Str("server", t.config.Server).Msg("Received server notification")
			return
		}

		normalizedID := normalizeID(resp.ID)
		t.pendingMu.Lock()
		ch, ok := t.pending[normalizedID]
		if ok {
			delete(t.pending, normalizedID)
		}
		t.pendingMu.Unlock()

		if ok {
			ch <- &AsyncResult{Response: &resp, RequestID: resp.ID}
			close(ch)
		} else {
			log.Warn().
				Str("server", t.config.Server).
				Interface("id", resp.ID).
				Msg("Received response for unknown request")
		}

	default:
		log.Debug().Str("server", t.config.Server).Str("event", event).Msg("Ignoring stream event")
	}
}

func (t *SSETransport) cancelAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	for id, ch := range t.pending {
		ch <- &AsyncResult{Error: err, RequestID: id}
		close(ch)
	}
	t.pending = make(map[interface{}]chan *AsyncResult)
}

// Send sends a synchronous request
func (t *SSETransport) Send(ctx context.Context, req *types.RPCRequest) (*types.RPCResponse, error) {
	ch := t.SendAsync(ctx, req)

	select {
	case result := <-ch:
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Response, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, normalizeID(req.ID))
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// SendAsync posts the request; the response arrives on the stream
func (t *SSETransport) SendAsync(ctx context.Context, req *types.RPCRequest) <-chan *AsyncResult {
	ch := make(chan *AsyncResult, 1)

	if !t.connected.Load() {
		ch <- &AsyncResult{
			Error:     &types.ConnectionError{Server: t.config.Server, Err: types.ErrConnectionClosed},
			RequestID: req.ID,
		}
		close(ch)
		return ch
	}

	normalizedReqID := normalizeID(req.ID)
	if !req.IsNotification() {
		t.pendingMu.Lock()
		t.pending[normalizedReqID] = ch
		t.pendingMu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.fail(ch, normalizedReqID, req.ID, fmt.Errorf("failed to marshal request: %w", err))
		return ch
	}

	t.postURLMu.RLock()
	postURL := t.postURL
	t.postURLMu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(data))
	if err != nil {
		t.fail(ch, normalizedReqID, req.ID, fmt.Errorf("failed to create request: %w", err))
		return ch
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.fail(ch, normalizedReqID, req.ID, &types.ConnectionError{Server: t.config.Server, Err: err})
		return ch
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		t.fail(ch, normalizedReqID, req.ID, &types.ProtocolError{
			Server: t.config.Server,
			Detail: fmt.Sprintf("post returned status %d", httpResp.StatusCode),
		})
		return ch
	}

	if req.IsNotification() {
		ch <- &AsyncResult{}
		close(ch)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
			t.pendingMu.Lock()
			if pendingCh, ok := t.pending[normalizedReqID]; ok {
				delete(t.pending, normalizedReqID)
				pendingCh <- &AsyncResult{Error: ctx.Err(), RequestID: req.ID}
				close(pendingCh)
			}
			t.pendingMu.Unlock()
		case <-ch:
		case <-t.done:
		}
	}()

	return ch
}

func (t *SSETransport) fail(ch chan *AsyncResult, normalizedID, rawID interface{}, err error) {
	t.pendingMu.Lock()
	delete(t.pending, normalizedID)
	t.pendingMu.Unlock()

	ch <- &AsyncResult{Error: err, RequestID: rawID}
	close(ch)
}

// Close closes the event stream
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		log.Info().Str("server", t.config.Server).Msg("Closing event-stream transport")

		t.connected.Store(false)
		close(t.done)
		t.cancelAllPending(types.ErrConnectionClosed)

		if t.stream != nil {
			t.stream.Close()
		}
	})

	return nil
}

// IsConnected returns true if the transport is connected
func (t *SSETransport) IsConnected() bool {
	return t.connected.Load()
}

// Kind returns the transport kind
func (t *SSETransport) Kind() types.TransportKind {
	return types.TransportSSE
}

// Reconnect reopens the event stream
func (t *SSETransport) Reconnect(ctx context.Context) error {
	log.Info().Str("server", t.config.Server).Msg("Reconnecting event-stream transport")

	t.connected.Store(false)
	t.cancelAllPending(types.ErrConnectionClosed)

	if t.stream != nil {
		t.stream.Close()
	}

	select {
	case <-t.readDone:
	case <-time.After(3 * time.Second):
		log.Warn().Str("server", t.config.Server).Msg("Read loop didn't finish during reconnect")
	case <-ctx.Done():
		return ctx.Err()
	}

	t.pendingMu.Lock()
	t.pending = make(map[interface{}]chan *AsyncResult)
	t.pendingMu.Unlock()

	t.postURLMu.Lock()
	t.postURL = ""
	t.postURLMu.Unlock()

	t.done = make(chan struct{})
	t.readDone = make(chan struct{})
	t.endpoint = make(chan struct{})

	if err := t.connect(); err != nil {
		return &types.ConnectionError{Server: t.config.Server, Err: err}
	}
	return nil
}
