package engine

// Package engine wires the connection manager, discovery service, router
// and supporting infrastructure into one runnable unit. The HTTP gateway
// and the CLI both drive an Engine rather than the parts directly.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/analytics"
	"github.com/conduitmcp/conduit/internal/connection"
	"github.com/conduitmcp/conduit/internal/discovery"
	"github.com/conduitmcp/conduit/internal/router"
	"github.com/conduitmcp/conduit/internal/router/providers"
	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/pkg/types"
)

const (
	defaultThreshold    = 0.3
	healthCheckInterval = 30 * time.Second
)

// Storage is the persistence surface the engine needs: catalog warm
// start, health history and per-call events.
type Storage interface {
	discovery.Storage
	RecordHealthEvent(event types.HealthEvent)
	HealthHistory(ctx context.Context, serverID string, limit int) ([]types.HealthEvent, error)
	RecordCall(serverID, tool string, duration time.Duration, err error)
	ListCallEvents(ctx context.Context, day string) ([]*types.CallEvent, error)
	Close() error
}

// Engine owns the full connection and routing stack.
type Engine struct {
	mu sync.RWMutex

	config    *types.Config
	manager   *connection.Manager
	discovery *discovery.Service
	monitor   *connection.HealthMonitor
	router    *router.Router
	scripts   *router.ScriptEngine
	collector *analytics.Collector
	store     Storage
	indexer   search.Provider
	threshold float64

	managerOpts []connection.Option
	started     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStorage attaches persistent storage (catalog snapshots, health history).
func WithStorage(s Storage) Option {
	return func(e *Engine) { e.store = s }
}

// WithSearchProvider attaches the catalog search index.
func WithSearchProvider(p search.Provider) Option {
	return func(e *Engine) { e.indexer = p }
}

// WithCollector attaches the analytics collector.
func WithCollector(c *analytics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithManagerOptions forwards options to the connection manager.
// Tests use this to inject a fake transport factory.
func WithManagerOptions(opts ...connection.Option) Option {
	return func(e *Engine) { e.managerOpts = append(e.managerOpts, opts...) }
}

// New builds an engine from configuration.
func New(config *types.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:    config,
		threshold: config.Router.ConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.threshold == 0 {
		e.threshold = defaultThreshold
	}
	if e.collector == nil {
		e.collector = analytics.NewCollector(config.Analytics.Enabled)
	}

	if err := e.build(config); err != nil {
		return nil, err
	}

	return e, nil
}

// build constructs manager, discovery and router for the given config.
// Caller must hold the write lock when rebuilding a live engine.
func (e *Engine) build(config *types.Config) error {
	managerOpts := append([]connection.Option{
		connection.WithCallRecorder(e.collector),
	}, e.managerOpts...)
	if e.store != nil {
		managerOpts = append(managerOpts,
			connection.WithEventSink(e.store),
			connection.WithCallRecorder(e.store))
	}

	manager := connection.NewManager(config.Servers, managerOpts...)

	interval := discovery.DefaultInterval
	if config.Discovery.Interval != "" {
		parsed, err := time.ParseDuration(config.Discovery.Interval)
		if err != nil {
			return fmt.Errorf("invalid discovery interval %q: %w", config.Discovery.Interval, err)
		}
		interval = parsed
	}

	disc := discovery.NewService(manager, interval)
	if e.store != nil {
		disc.SetStorage(e.store)
		if err := disc.LoadFromStorage(context.Background()); err != nil {
			log.Debug().Err(err).Msg("No persisted catalog (fresh start)")
		}
	}
	if e.indexer != nil {
		disc.SetSearchIndexer(e.indexer)
	}

	routerOpts := []router.Option{router.WithMaxCatalogAge(interval)}
	if provider := buildProvider(config.LLM); provider != nil {
		routerOpts = append(routerOpts, router.WithProvider(provider))
	}

	var scripts *router.ScriptEngine
	if len(config.Router.ScriptRules) > 0 {
		engine, err := router.NewScriptEngine(config.Router.ScriptRules, 4)
		if err != nil {
			return fmt.Errorf("invalid routing script rules: %w", err)
		}
		scripts = engine
		routerOpts = append(routerOpts, router.WithScriptEngine(scripts))
	}

	e.config = config
	e.manager = manager
	e.discovery = disc
	e.monitor = connection.NewHealthMonitor(manager, healthCheckInterval)
	e.router = router.NewRouter(disc, routerOpts...)
	e.scripts = scripts

	return nil
}

// buildProvider assembles the primary/fallback LLM chain. Returns nil when
// no provider is configured, which leaves routing on keyword heuristics.
func buildProvider(cfg types.LLMConfig) providers.Provider {
	primaryConfigured := cfg.Primary.APIKey != "" || cfg.Primary.Endpoint != "" || cfg.Primary.Model != ""
	fallbackConfigured := cfg.Fallback.APIKey != "" || cfg.Fallback.Endpoint != "" || cfg.Fallback.Model != ""

	switch {
	case primaryConfigured && fallbackConfigured:
		return providers.NewFallbackProvider(
			providers.FromConfig(cfg.Primary),
			providers.FromConfig(cfg.Fallback),
		)
	case primaryConfigured:
		return providers.FromConfig(cfg.Primary)
	case fallbackConfigured:
		return providers.FromConfig(cfg.Fallback)
	default:
		return nil
	}
}

// Start connects every enabled server, runs the first discovery pass and
// begins periodic health checking.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	errs := e.manager.ConnectAll(ctx)
	for id, err := range errs {
		log.Warn().Err(err).Str("server", id).Msg("Server failed to connect at startup")
	}

	e.discovery.Start(ctx)
	e.monitor.Start(ctx)
	e.started = true

	log.Info().
		Int("servers", len(e.config.Servers)).
		Int("connect_failures", len(errs)).
		Msg("Engine started")

	return nil
}

// Stop shuts the engine down in reverse start order.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.discovery != nil {
		e.discovery.Stop()
	}
	if e.scripts != nil {
		e.scripts.Close()
	}
	if e.manager != nil {
		if err := e.manager.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing connections")
		}
	}
	e.started = false
	log.Info().Msg("Engine stopped")
}

// Reload tears the connection stack down and rebuilds it from the new
// configuration. Catalog, health history and analytics survive; every
// connection is re-created.
func (e *Engine) Reload(ctx context.Context, config *types.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasStarted := e.started
	e.stopLocked()

	if err := e.build(config); err != nil {
		return fmt.Errorf("config reload failed: %w", err)
	}
	e.threshold = config.Router.ConfidenceThreshold
	if e.threshold == 0 {
		e.threshold = defaultThreshold
	}

	if wasStarted {
		errs := e.manager.ConnectAll(ctx)
		for id, err := range errs {
			log.Warn().Err(err).Str("server", id).Msg("Server failed to connect after reload")
		}
		e.discovery.Start(ctx)
		e.monitor.Start(ctx)
		e.started = true
	}

	log.Info().Int("servers", len(config.Servers)).Msg("Engine reloaded")
	return nil
}

// Query routes a natural-language query and optionally executes the plan.
// Plans below the confidence threshold are returned but never executed.
func (e *Engine) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	e.mu.RLock()
	rt := e.router
	mgr := e.manager
	threshold := e.threshold
	e.mu.RUnlock()

	plan, err := rt.Route(ctx, req.Text)
	if err != nil {
		return nil, err
	}

	resp := &types.QueryResponse{Plan: plan}

	if !req.Execute {
		return resp, nil
	}
	if plan.Empty() {
		resp.Error = "no tool matched the query"
		return resp, nil
	}
	if plan.Confidence < threshold {
		resp.Error = fmt.Sprintf("confidence %.2f below threshold %.2f", plan.Confidence, threshold)
		return resp, nil
	}

	result, err := mgr.CallTool(ctx, plan.ServerID, plan.Tool, plan.Parameters)
	resp.Executed = true
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	resp.Result = result
	return resp, nil
}

// CallTool invokes a tool on a specific server. The raw error comes back
// alongside the response so callers can branch on its type.
func (e *Engine) CallTool(ctx context.Context, req types.CallToolRequest) (*types.CallToolResponse, error) {
	e.mu.RLock()
	mgr := e.manager
	e.mu.RUnlock()

	start := time.Now()
	result, err := mgr.CallTool(ctx, req.Server, req.Tool, req.Args)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		return &types.CallToolResponse{Success: false, Error: err.Error(), Duration: duration}, err
	}
	return &types.CallToolResponse{Success: true, Result: result, Duration: duration}, nil
}

// Catalog returns the current capability snapshot.
func (e *Engine) Catalog() *types.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.discovery.Catalog()
}

// RefreshCatalog forces a discovery pass.
func (e *Engine) RefreshCatalog(ctx context.Context) *types.Catalog {
	e.mu.RLock()
	disc := e.discovery
	e.mu.RUnlock()
	return disc.Refresh(ctx)
}

// Health returns the health record for one server.
func (e *Engine) Health(id string) (types.ConnectionHealth, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manager.Health(id)
}

// AllHealth returns health records for every configured server.
func (e *Engine) AllHealth() []types.ConnectionHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manager.AllHealth()
}

// HealthHistory returns persisted health transitions for a server.
func (e *Engine) HealthHistory(ctx context.Context, serverID string, limit int) ([]types.HealthEvent, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.HealthHistory(ctx, serverID, limit)
}

// CallEvents returns persisted call events for one day (YYYY-MM-DD).
// Nil without error when no storage is configured.
func (e *Engine) CallEvents(ctx context.Context, day string) ([]*types.CallEvent, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListCallEvents(ctx, day)
}

// Reconnect drops and re-establishes one server connection.
func (e *Engine) Reconnect(ctx context.Context, id string) error {
	e.mu.RLock()
	mgr := e.manager
	e.mu.RUnlock()
	return mgr.Reconnect(ctx, id)
}

// SearchServers fans a query out to every connected server's search tool.
func (e *Engine) SearchServers(ctx context.Context, query string) []types.ServerSearchResult {
	e.mu.RLock()
	mgr := e.manager
	e.mu.RUnlock()
	return mgr.SearchAcrossServers(ctx, query)
}

// SearchIndex queries the catalog search index. Errors when no search
// provider is configured.
func (e *Engine) SearchIndex(ctx context.Context, params search.SearchParams) (*search.SearchResult, error) {
	if e.indexer == nil {
		return nil, fmt.Errorf("search index not configured")
	}
	return e.indexer.Search(ctx, params)
}

// HasSearchIndex reports whether a catalog search provider is configured.
func (e *Engine) HasSearchIndex() bool {
	return e.indexer != nil
}

// Stats aggregates analytics, discovery and breaker state.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := map[string]interface{}{
		"calls":     e.collector.GetStats(),
		"discovery": e.discovery.Stats(),
		"breakers":  e.manager.Breakers().Metrics(),
	}
	if e.store != nil {
		if s, ok := e.store.(interface{ GetStats() map[string]interface{} }); ok {
			stats["storage"] = s.GetStats()
		}
	}
	return stats
}

// Collector exposes the analytics collector for request instrumentation.
func (e *Engine) Collector() *analytics.Collector {
	return e.collector
}

// Manager exposes the connection manager.
func (e *Engine) Manager() *connection.Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manager
}

// Config returns the active configuration.
func (e *Engine) Config() *types.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}
