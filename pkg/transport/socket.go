package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// SocketTransport speaks the same newline-framed JSON-RPC over a
// websocket, one message per frame. Correlation works exactly like the
// pipe transport.
type SocketTransport struct {
	config *Config

	conn   *websocket.Conn
	connMu sync.Mutex

	pending   map[interface{}]chan *AsyncResult
	pendingMu sync.Mutex

	connected atomic.Bool

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// NewSocketTransport dials the server and starts the read loop.
func NewSocketTransport(cfg *Config) (*SocketTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required for socket transport")
	}

	t := &SocketTransport{
		config:   cfg,
		pending:  make(map[interface{}]chan *AsyncResult),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	if err := t.dial(); err != nil {
		return nil, &types.ConnectionError{Server: cfg.Server, Err: err}
	}

	return t, nil
}

func (t *SocketTransport) dial() error {
	log.Info().
		Str("server", t.config.Server).
		Str("url", t.config.URL).
		Msg("Dialing socket server")

	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.Timeout,
	}

	conn, _, err := dialer.Dial(t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.connected.Store(true)

	go t.readLoop(conn)

	return nil
}

// readLoop reads frames and dispatches them to pending requests
func (t *SocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.readDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if t.connected.Load() {
				log.Error().Err(err).Str("server", t.config.Server).Msg("Socket read failed")
			}
			t.connected.Store(false)
			t.cancelAllPending(types.ErrConnectionClosed)
			return
		}

		var resp types.RPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Error().
				Err(err).
				Str("server", t.config.Server).
				Str("frame", string(data)).
				Msg("Failed to parse socket frame")
			continue
		}

		if resp.ID == nil {
			log.Debug().Str("server", t.config.Server).Msg("Received server notification")
			continue
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
	}
}

func (t *SocketTransport) cancelAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	for id, ch := range t.pending {
		ch <- &AsyncResult{Error: err, RequestID: id}
		close(ch)
	}
	t.pending = make(map[interface{}]chan *AsyncResult)
}

// Send sends a synchronous request
func (t *SocketTransport) Send(ctx context.Context, req *types.RPCRequest) (*types.RPCResponse, error) {
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

// SendAsync sends an async request and returns a channel for the response
func (t *SocketTransport) SendAsync(ctx context.Context, req *types.RPCRequest) <-chan *AsyncResult {
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

	t.connMu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.connMu.Unlock()

	if err != nil {
		t.fail(ch, normalizedReqID, req.ID, &types.ConnectionError{Server: t.config.Server, Err: err})
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

func (t *SocketTransport) fail(ch chan *AsyncResult, normalizedID, rawID interface{}, err error) {
	t.pendingMu.Lock()
	delete(t.pending, normalizedID)
	t.pendingMu.Unlock()

	ch <- &AsyncResult{Error: err, RequestID: rawID}
	close(ch)
}

// Close closes the websocket
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		log.Info().Str("server", t.config.Server).Msg("Closing socket transport")

		t.connected.Store(false)
		close(t.done)
		t.cancelAllPending(types.ErrConnectionClosed)

		t.connMu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.conn.Close()
		}
		t.connMu.Unlock()
	})

	return nil
}

// IsConnected returns true if the transport is connected
func (t *SocketTransport) IsConnected() bool {
	return t.connected.Load()
}

// Kind returns the transport kind
func (t *SocketTransport) Kind() types.TransportKind {
	return types.TransportSocket
}

// Reconnect re-dials the server
func (t *SocketTransport) Reconnect(ctx context.Context) error {
	log.Info().Str("server", t.config.Server).Msg("Reconnecting socket transport")

	t.connected.Store(false)
	t.cancelAllPending(types.ErrConnectionClosed)

	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.connMu.Unlock()

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

	t.done = make(chan struct{})
	t.readDone = make(chan struct{})

	if err := t.dial(); err != nil {
		return &types.ConnectionError{Server: t.config.Server, Err: err}
	}
	return nil
}
