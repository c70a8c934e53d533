package discovery

// Package discovery builds the capability catalog: which servers exist,
// what tools and resources they expose, and example phrases for routing.
// Snapshots are immutable and swapped atomically; persistence goes to
// BadgerDB and indexing to the configured search engine.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/connection"
	"github.com/conduitmcp/conduit/pkg/types"
)

// DefaultInterval is how often the catalog is rebuilt.
const DefaultInterval = 5 * time.Minute

// Storage interface for catalog persistence (BadgerDB, etc.)
type Storage interface {
	SaveCatalog(ctx context.Context, catalog *types.Catalog) error
	LoadCatalog(ctx context.Context) (*types.Catalog, error)
}

// SearchIndexer interface for search engine integration
type SearchIndexer interface {
	IndexTools(ctx context.Context, tools []types.ToolDefinition) error
}

// Service periodically interrogates every connection and publishes
// catalog snapshots. Readers always get a complete, consistent snapshot.
type Service struct {
	manager  *connection.Manager
	interval time.Duration

	storage Storage       // Optional: persistence
	indexer SearchIndexer // Optional: search indexing

	catalog atomic.Pointer[types.Catalog]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a discovery service over the connection manager.
func NewService(manager *connection.Manager, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Service{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
	}
	s.catalog.Store(&types.Catalog{})
	return s
}

// SetStorage sets the persistence backend.
func (s *Service) SetStorage(storage Storage) {
	s.storage = storage
	log.Info().Msg("Storage backend configured for discovery")
}

// SetSearchIndexer sets the search indexer.
func (s *Service) SetSearchIndexer(indexer SearchIndexer) {
	s.indexer = indexer
	log.Info().Msg("Search indexer configured for discovery")
}

// LoadFromStorage warm-starts the catalog from the last persisted
// snapshot. Entries are marked disconnected until a refresh proves
// otherwise.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}

	catalog, err := s.storage.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	if catalog == nil || catalog.IsEmpty() {
		return nil
	}

	for i := range catalog.Servers {
		catalog.Servers[i].Status = types.StatusDisconnected
	}
	s.catalog.Store(catalog)

	log.Info().
		Int("servers", len(catalog.Servers)).
		Time("generated_at", catalog.GeneratedAt).
		Msg("Catalog warm-started from storage")

	return nil
}

// Catalog returns the current snapshot. Never nil.
func (s *Service) Catalog() *types.Catalog {
	return s.catalog.Load()
}

// Refresh rebuilds the catalog from live connections and publishes it.
// Servers are interrogated concurrently; one slow server never delays
// the rest. Entry order follows the sorted server ids.
func (s *Service) Refresh(ctx context.Context) *types.Catalog {
	previous := s.catalog.Load()
	conns := s.manager.Connections()

	var ids []string
	for _, id := range s.manager.Servers() {
		sc, _ := s.manager.ServerConfig(id)
		if sc.Enabled {
			ids = append(ids, id)
		}
	}

	entries := make([]types.ServerCatalogEntry, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			entries[i] = s.serverEntry(ctx, id, conns[id], previous)
		}(i, id)
	}
	wg.Wait()

	catalog := &types.Catalog{
		GeneratedAt: time.Now(),
		Servers:     entries,
	}

	s.catalog.Store(catalog)

	log.Info().
		Int("servers", len(catalog.Servers)).
		Int("connected", len(catalog.Connected())).
		Msg("Catalog refreshed")

	// Persist and index off the hot path
	if s.storage != nil {
		go func() {
			if err := s.storage.SaveCatalog(context.Background(), catalog); err != nil {
				log.Error().Err(err).Msg("Failed to persist catalog")
			}
		}()
	}
	if s.indexer != nil {
		go func() {
			if err := s.indexer.IndexTools(context.Background(), catalog.AllTools()); err != nil {
				log.Error().Err(err).Msg("Failed to index catalog tools")
			}
		}()
	}

	return catalog
}

// serverEntry interrogates one server. A down or failing server keeps
// its last known shape, flagged accordingly, so routing still has
// something to work with.
func (s *Service) serverEntry(ctx context.Context, id string, conn *connection.Connection, previous *types.Catalog) types.ServerCatalogEntry {
	sc, _ := s.manager.ServerConfig(id)

	entry := types.ServerCatalogEntry{
		ServerID:    id,
		DisplayName: sc.Name,
		Status:      types.StatusDisconnected,
		UpdatedAt:   time.Now(),
	}

	if conn != nil && conn.IsConnected() {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Tool listing failed during refresh")
			entry.Status = types.StatusError
			if prev := previous.Server(id); prev != nil {
				entry.Tools = prev.Tools
				entry.Resources = prev.Resources
			}
		} else {
			entry.Status = types.StatusConnected
			entry.Tools = enrichWithExamples(tools)
			entry.Resources = conn.Resources()
			entry.Description = conn.ServerInfo().Name
		}
		return entry
	}

	if prev := previous.Server(id); prev != nil {
		entry.Tools = prev.Tools
		entry.Resources = prev.Resources
		entry.Description = prev.Description
	}
	return entry
}

// Start launches the refresh loop. An immediate refresh runs first.
func (s *Service) Start(ctx context.Context) {
	s.Refresh(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.interval).Msg("Discovery loop started")

		for {
			select {
			case <-ticker.C:
				s.Refresh(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// FindTool locates a tool by name across the catalog. Returns the first
// match and its server id.
func (s *Service) FindTool(name string) (types.ToolDefinition, bool) {
	catalog := s.Catalog()
	for _, srv := range catalog.Servers {
		for _, t := range srv.Tools {
			if t.Name == name {
				return t, true
			}
		}
	}
	return types.ToolDefinition{}, false
}

// Stats returns catalog counters for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	catalog := s.Catalog()

	tools := 0
	resources := 0
	for _, srv := range catalog.Servers {
		tools += len(srv.Tools)
		resources += len(srv.Resources)
	}

	return map[string]interface{}{
		"servers":      len(catalog.Servers),
		"connected":    len(catalog.Connected()),
		"tools":        tools,
		"resources":    resources,
		"generated_at": catalog.GeneratedAt,
	}
}
