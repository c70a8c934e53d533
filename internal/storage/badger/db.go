package badger

// Package badger provides embedded key-value storage using BadgerDB.
// Persists catalog snapshots, connection health history and call events.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

const (
	catalogKey   = "catalog:current"
	healthPrefix = "health:"
	eventPrefix  = "event:"
)

// Store represents BadgerDB storage
type Store struct {
	db   *badgerdb.DB
	path string
}

// NewStore creates a new BadgerDB instance
func NewStore(path string) (*Store, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil // Disable badger's internal logging (use our zerolog)

	// Performance tuning for a single node
	opts.ValueLogFileSize = 64 << 20 // 64MB value log files
	opts.NumVersionsToKeep = 1       // Keep only latest version
	opts.CompactL0OnClose = true     // Compact on close

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	log.Info().
		Str("path", path).
		Msg("BadgerDB initialized")

	return &Store{
		db:   db,
		path: path,
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	log.Info().Msg("Closing BadgerDB")
	return s.db.Close()
}

// DB returns the underlying BadgerDB instance
func (s *Store) DB() *badgerdb.DB {
	return s.db
}

// ═══════════════════════════════════════════════════════════════════════════════
// CATALOG SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════════

// SaveCatalog persists the latest capability catalog snapshot.
// Only one snapshot is kept; each save replaces the previous one.
func (s *Store) SaveCatalog(ctx context.Context, catalog *types.Catalog) error {
	data, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(catalogKey), data)
	})

	if err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}

	log.Debug().
		Int("servers", len(catalog.Servers)).
		Time("generated_at", catalog.GeneratedAt).
		Msg("Catalog saved to BadgerDB")

	return nil
}

// LoadCatalog retrieves the last persisted catalog snapshot.
// Returns nil without error when no snapshot has been saved yet.
func (s *Store) LoadCatalog(ctx context.Context) (*types.Catalog, error) {
	var catalog types.Catalog
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(catalogKey))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &catalog)
		})
	})

	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	return &catalog, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

// RecordHealthEvent appends a connection health transition to the history.
// Satisfies the connection manager's event sink.
func (s *Store) RecordHealthEvent(event types.HealthEvent) {
	// Format: health:<server>:<unix-nanos>
	key := []byte(fmt.Sprintf("%s%s:%d", healthPrefix, event.ServerID, event.Timestamp.UnixNano()))

	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("server", event.ServerID).Msg("Failed to marshal health event")
		return
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, data)
	})

	if err != nil {
		log.Warn().Err(err).Str("server", event.ServerID).Msg("Failed to save health event")
		return
	}

	log.Trace().
		Str("server", event.ServerID).
		Bool("connected", event.Connected).
		Msg("Health event saved")
}

// HealthHistory returns recorded health events for a server, oldest first.
// A limit of 0 returns the full history.
func (s *Store) HealthHistory(ctx context.Context, serverID string, limit int) ([]types.HealthEvent, error) {
	var events []types.HealthEvent
	prefix := []byte(healthPrefix + serverID + ":")

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			err := item.Value(func(val []byte) error {
				var event types.HealthEvent
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}
				events = append(events, event)
				return nil
			})

			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list health events: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALL EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveCallEvent saves a tool call event for later analysis
func (s *Store) SaveCallEvent(ctx context.Context, event *types.CallEvent) error {
	// Format: event:YYYY-MM-DD:timestamp:id
	key := []byte(fmt.Sprintf("%s%s:%d:%s",
		eventPrefix,
		time.Now().Format("2006-01-02"),
		time.Now().Unix(),
		event.ID,
	))

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, data)
	})

	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	log.Trace().
		Str("id", event.ID).
		Str("tool", event.Tool).
		Msg("Call event saved")

	return nil
}

// ListCallEvents returns call events recorded on a given day (YYYY-MM-DD)
func (s *Store) ListCallEvents(ctx context.Context, day string) ([]*types.CallEvent, error) {
	var events []*types.CallEvent
	prefix := []byte(eventPrefix + day + ":")

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			err := item.Value(func(val []byte) error {
				var event types.CallEvent
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}
				events = append(events, &event)
				return nil
			})

			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}

	return events, nil
}

// RecordCall builds and persists a call event. Implements the connection
// manager's call recorder; failures are logged, never surfaced, so a
// slow disk can't fail a tool call.
func (s *Store) RecordCall(serverID, tool string, duration time.Duration, callErr error) {
	event := &types.CallEvent{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Tool:      tool,
		Timestamp: time.Now(),
		Duration:  duration,
		Success:   callErr == nil,
	}
	if callErr != nil {
		event.Error = callErr.Error()
	}

	if err := s.SaveCallEvent(context.Background(), event); err != nil {
		log.Warn().Err(err).Str("server", serverID).Str("tool", tool).Msg("Failed to persist call event")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// UTILITIES
// ═══════════════════════════════════════════════════════════════════════════════

// GetStats returns database statistics
func (s *Store) GetStats() map[string]interface{} {
	lsm, vlog := s.db.Size()

	return map[string]interface{}{
		"path":       s.path,
		"lsm_size":   lsm,
		"vlog_size":  vlog,
		"total_size": lsm + vlog,
	}
}

// RunGC triggers value log garbage collection
func (s *Store) RunGC() error {
	log.Debug().Msg("Running BadgerDB GC")

	err := s.db.RunValueLogGC(0.5)
	if err != nil && err != badgerdb.ErrNoRewrite {
		return fmt.Errorf("gc failed: %w", err)
	}

	return nil
}
