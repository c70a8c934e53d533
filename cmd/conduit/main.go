package main

// Package main provides the main entry point for the Conduit gateway.
import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/analytics"
	"github.com/conduitmcp/conduit/internal/config"
	"github.com/conduitmcp/conduit/internal/engine"
	"github.com/conduitmcp/conduit/internal/gateway/cli"
	"github.com/conduitmcp/conduit/internal/gateway/http"
	"github.com/conduitmcp/conduit/internal/storage/badger"
	meili "github.com/conduitmcp/conduit/internal/storage/meilisearch"
	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/internal/storage/typesense"
	"github.com/conduitmcp/conduit/internal/version"
	"github.com/conduitmcp/conduit/pkg/types"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Everything except server mode goes through the CLI
	if len(os.Args) > 1 && os.Args[1] != "server" {
		if err := cli.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	runServer(serverConfigPath())
}

// serverConfigPath picks up --config from "conduit server --config path".
func serverConfigPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func runServer(cfgPath string) {
	log.Info().Str("version", version.Version).Msg("Starting Conduit")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Observability.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Initialize BadgerDB for catalog snapshots and health history
	store, err := badger.NewStore(cfg.Storage.Badger.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize BadgerDB")
	}

	log.Info().
		Str("path", cfg.Storage.Badger.Path).
		Interface("stats", store.GetStats()).
		Msg("BadgerDB initialized")

	// Initialize the catalog search index
	searchProvider := buildSearchProvider(cfg.Storage.Search)

	// Initialize analytics collector
	collector := analytics.NewCollector(cfg.Analytics.Enabled)

	// Assemble the engine
	opts := []engine.Option{
		engine.WithStorage(store),
		engine.WithCollector(collector),
	}
	if searchProvider != nil {
		opts = append(opts, engine.WithSearchProvider(searchProvider))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Hot reload on config file changes
	var watcher *config.Watcher
	if cfgFile, err := config.ConfigFileUsed(cfgPath); err == nil {
		watcher, err = config.NewWatcher(cfgFile, func(next *types.Config) {
			if err := eng.Reload(context.Background(), next); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		}
	}

	// Start HTTP API server
	httpServer := http.NewServer(eng, cfg.Gateway)
	if err := httpServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	log.Info().Msg("Conduit is running")
	log.Info().Msgf("HTTP API: http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	log.Info().Msg("Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	log.Info().Msg("Shutdown signal received")

	// Graceful shutdown, reverse start order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	eng.Stop()

	if searchProvider != nil {
		if err := searchProvider.Close(); err != nil {
			log.Error().Err(err).Msg("Search provider shutdown error")
		}
	}

	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("BadgerDB shutdown error")
	}

	log.Info().Msg("Conduit stopped")
}

// buildSearchProvider constructs the configured search client. A broken or
// disabled index is not fatal, search just falls back to the servers.
func buildSearchProvider(cfg types.SearchConfig) search.Provider {
	factory := search.NewProviderFactory(cfg)
	if !factory.Enabled() {
		log.Info().Msg("Catalog search index disabled")
		return nil
	}
	if err := factory.Validate(); err != nil {
		log.Warn().Err(err).Msg("Invalid search configuration, index disabled")
		return nil
	}
	factory.LogConfig()

	var provider search.Provider
	switch factory.DefaultProvider() {
	case search.ProviderMeilisearch:
		client, err := meili.NewClient(factory.MeilisearchConfig())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Meilisearch, search will be local only")
			return nil
		}
		provider = client
	default:
		client, err := typesense.NewClient(factory.TypesenseConfig())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Typesense, search will be local only")
			return nil
		}
		provider = client
	}

	if err := provider.CreateSchema(context.Background()); err != nil {
		log.Warn().Err(err).Str("provider", provider.Name()).Msg("Failed to create search schema")
	}

	log.Info().Str("provider", provider.Name()).Msg("Search provider initialized")
	return provider
}
