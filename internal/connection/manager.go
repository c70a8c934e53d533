package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/transport"
	"github.com/conduitmcp/conduit/pkg/types"
)

// EventSink receives health transitions for persistence.
type EventSink interface {
	RecordHealthEvent(ev types.HealthEvent)
}

// CallRecorder receives per-call analytics events.
type CallRecorder interface {
	RecordCall(serverID, tool string, duration time.Duration, err error)
}

// Manager owns every server connection and its health record. All health
// mutations go through the manager, one writer per key; readers get copies.
type Manager struct {
	servers map[string]types.ServerConfig

	mu          sync.RWMutex
	connections map[string]*Connection
	health      map[string]*types.ConnectionHealth

	factory  transport.Factory
	backoff  Backoff
	breakers *BreakerSet

	sink      EventSink
	recorders []CallRecorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransportFactory substitutes the transport constructor. Tests use
// this to inject fakes.
func WithTransportFactory(f transport.Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithBackoff overrides the connect retry policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithEventSink attaches a health-event sink.
func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithCallRecorder attaches a per-call recorder. May be used more than
// once; every recorder sees every call.
func WithCallRecorder(r CallRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// NewManager creates a manager for the configured servers.
func NewManager(servers map[string]types.ServerConfig, opts ...Option) *Manager {
	m := &Manager{
		servers:     servers,
		connections: make(map[string]*Connection),
		health:      make(map[string]*types.ConnectionHealth),
		factory:     transport.New,
		backoff:     DefaultBackoff(),
		breakers:    NewBreakerSet(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for id := range servers {
		m.health[id] = &types.ConnectionHealth{ServerID: id}
	}

	return m
}

// Servers returns the configured server ids, sorted.
func (m *Manager) Servers() []string {
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ServerConfig returns the config for one server.
func (m *Manager) ServerConfig(id string) (types.ServerConfig, bool) {
	sc, ok := m.servers[id]
	return sc, ok
}

// Connect establishes a connection to one server, retrying with backoff.
// Already-connected servers are left alone.
func (m *Manager) Connect(ctx context.Context, id string) error {
	sc, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if !sc.Enabled {
		return fmt.Errorf("server %q is disabled", id)
	}

	m.mu.RLock()
	existing := m.connections[id]
	m.mu.RUnlock()
	if existing != nil && existing.IsConnected() {
		return nil
	}

	policy := m.backoff
	policy.Attempts = sc.Retries()

	var lastErr error
	err := policy.Retry(ctx, func(attempt int) error {
		if attempt > 1 {
			m.noteRetry(id, lastErr)
			log.Info().
				Str("server", id).
				Int("attempt", attempt).
				Int("max", policy.Attempts).
				Msg("Retrying connect")
		}
		lastErr = m.connectOnce(ctx, id, sc)
		return lastErr
	})

	if err != nil {
		m.noteDisconnected(id, err)
		return &types.ConnectionError{Server: id, Err: err}
	}

	m.noteConnected(id)
	return nil
}

// connectOnce does a single connect attempt: transport, handshake, tools.
func (m *Manager) connectOnce(ctx context.Context, id string, sc types.ServerConfig) error {
	tr, err := m.factory(transport.ConfigFromServer(id, sc))
	if err != nil {
		return err
	}

	conn := NewConnection(id, sc, tr)
	if err := conn.Initialize(ctx); err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.ListTools(ctx); err != nil {
		log.Warn().Err(err).Str("server", id).Msg("Initial tool listing failed")
	}
	if _, err := conn.ListResources(ctx); err != nil {
		log.Debug().Err(err).Str("server", id).Msg("Server exposes no resources")
	}

	m.mu.Lock()
	if old := m.connections[id]; old != nil {
		old.Close()
	}
	m.connections[id] = conn
	m.mu.Unlock()

	return nil
}

// ConnectAll connects every enabled server. Failures are per-server and
// reported in the returned map; a bad server never blocks the others.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for id, sc := range m.servers {
		if !sc.Enabled {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
			}
		}(id)
	}

	wg.Wait()
	return errs
}

// Disconnect closes one server's connection.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	conn := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	m.noteDisconnected(id, nil)
	return err
}

// Reconnect tears the connection down and reconnects with backoff.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	m.Disconnect(id)
	return m.Connect(ctx, id)
}

// Connection returns the live connection for a server, or an error if the
// server is unknown or down.
func (m *Manager) Connection(id string) (*Connection, error) {
	m.mu.RLock()
	conn := m.connections[id]
	m.mu.RUnlock()

	if conn == nil {
		if _, ok := m.servers[id]; !ok {
			return nil, fmt.Errorf("unknown server %q", id)
		}
		return nil, &types.ConnectionError{Server: id, Err: types.ErrConnectionClosed}
	}
	return conn, nil
}

// Connections returns every live connection keyed by server id.
func (m *Manager) Connections() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Connection, len(m.connections))
	for id, conn := range m.connections {
		out[id] = conn
	}
	return out
}

// CallTool invokes a tool on a server through its circuit breaker and
// records the outcome in the health record.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (*types.ToolResult, error) {
	conn, err := m.Connection(serverID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := m.breakers.Execute(serverID, func() (interface{}, error) {
		return conn.CallTool(ctx, tool, args)
	})
	duration := time.Since(start)

	m.noteCall(serverID, err)
	for _, r := range m.recorders {
		r.RecordCall(serverID, tool, duration, err)
	}

	if err != nil {
		return nil, err
	}
	return raw.(*types.ToolResult), nil
}

// ReadResource reads a resource from a server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*types.ResourceContents, error) {
	conn, err := m.Connection(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// SearchAcrossServers fans the query out to every connected server that
// exposes a search-like tool and merges the results. A failing server
// contributes an error entry; it never sinks the others.
func (m *Manager) SearchAcrossServers(ctx context.Context, query string) []types.ServerSearchResult {
	conns := m.Connections()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []types.ServerSearchResult

	for id, conn := range conns {
		if !conn.IsConnected() {
			continue
		}
		tool := searchTool(conn.Tools())
		if tool == "" {
			continue
		}

		wg.Add(1)
		go func(id, tool string, conn *Connection) {
			defer wg.Done()

			entry := types.ServerSearchResult{ServerID: id, Tool: tool}
			res, err := m.CallTool(ctx, id, tool, map[string]interface{}{"query": query})
			if err != nil {
				log.Warn().Err(err).Str("server", id).Msg("Cross-server search failed on one server")
				entry.Error = err.Error()
			} else {
				entry.Result = res
			}

			mu.Lock()
			results = append(results, entry)
			mu.Unlock()
		}(id, tool, conn)
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].ServerID < results[j].ServerID
	})
	return results
}

// searchTool picks the server's search-capable tool, if any.
func searchTool(tools []types.ToolDefinition) string {
	for _, t := range tools {
		if t.Name == "search" {
			return t.Name
		}
	}
	for _, t := range tools {
		if strings.Contains(strings.ToLower(t.Name), "search") {
			return t.Name
		}
	}
	return ""
}

// HealthCheck probes every live connection with a resources/list request,
// the cheapest call a server must answer, and records each outcome in the
// health record. A server that answers with a protocol error still counts
// as alive; only transport failures mark it down. Never returns an error
// itself; per-server outcomes come back in the map.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)

	for id, conn := range m.Connections() {
		if !conn.IsConnected() {
			results[id] = types.ErrConnectionClosed
			continue
		}

		_, err := conn.ListResources(ctx)

		var protoErr *types.ProtocolError
		if errors.As(err, &protoErr) {
			// The server responded; it just doesn't do resources
			err = nil
		}

		results[id] = err
		if err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Health probe failed")
			m.noteDisconnected(id, err)
		}
	}

	return results
}

// Health returns a copy of one server's health record.
func (m *Manager) Health(id string) (types.ConnectionHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[id]
	if !ok {
		return types.ConnectionHealth{}, false
	}
	return *h, true
}

// AllHealth returns copies of every health record.
func (m *Manager) AllHealth() []types.ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ConnectionHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Breakers exposes circuit-breaker metrics for the stats endpoint.
func (m *Manager) Breakers() *BreakerSet {
	return m.breakers
}

// Close disconnects everything.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Error closing connection")
		}
	}
	return nil
}

// health mutations. The manager is the single writer for every record.

// noteConnected keeps LastError as is so a connect that only succeeded
// on retry still shows what the earlier attempts hit.
func (m *Manager) noteConnected(id string) {
	m.mu.Lock()
	h := m.healthLocked(id)
	h.Connected = true
	m.mu.Unlock()

	m.emit(types.HealthEvent{ServerID: id, Connected: true, Timestamp: time.Now()})
}

func (m *Manager) noteDisconnected(id string, err error) {
	m.mu.Lock()
	h := m.healthLocked(id)
	h.Connected = false
	if err != nil {
		h.LastError = err.Error()
	}
	m.mu.Unlock()

	ev := types.HealthEvent{ServerID: id, Connected: false, Timestamp: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.emit(ev)
}

// noteRetry records one failed attempt before the next one starts, so
// intermittent failures stay visible even when the connect eventually
// succeeds.
func (m *Manager) noteRetry(id string, err error) {
	m.mu.Lock()
	h := m.healthLocked(id)
	h.RetryCount++
	h.LastRetryAt = time.Now()
	if err != nil {
		h.LastError = err.Error()
	}
	m.mu.Unlock()
}

func (m *Manager) noteCall(id string, err error) {
	m.mu.Lock()
	h := m.healthLocked(id)
	h.TotalCalls++
	if err != nil {
		h.TotalFailures++
		h.LastError = err.Error()
	}
	m.mu.Unlock()
}

func (m *Manager) healthLocked(id string) *types.ConnectionHealth {
	h, ok := m.health[id]
	if !ok {
		h = &types.ConnectionHealth{ServerID: id}
		m.health[id] = h
	}
	return h
}

func (m *Manager) emit(ev types.HealthEvent) {
	if m.sink != nil {
		m.sink.RecordHealthEvent(ev)
	}
}
