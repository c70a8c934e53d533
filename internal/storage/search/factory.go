package search

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// ProviderType represents the search provider type
type ProviderType string

const (
	ProviderTypesense   ProviderType = "typesense"
	ProviderMeilisearch ProviderType = "meilisearch"
)

// ProviderFactory resolves search provider configuration
type ProviderFactory struct {
	typesenseConfig   types.TypesenseConfig
	meilisearchConfig types.MeilisearchConfig
	defaultProvider   ProviderType
}

// NewProviderFactory creates a new provider factory
func NewProviderFactory(cfg types.SearchConfig) *ProviderFactory {
	defaultProvider := ProviderTypesense
	if cfg.Provider != "" {
		switch cfg.Provider {
		case "meilisearch":
			defaultProvider = ProviderMeilisearch
		case "typesense":
			defaultProvider = ProviderTypesense
		default:
			log.Warn().
				Str("provider", cfg.Provider).
				Msg("Unknown search provider, falling back to typesense")
		}
	}

	return &ProviderFactory{
		typesenseConfig:   cfg.Typesense,
		meilisearchConfig: cfg.Meilisearch,
		defaultProvider:   defaultProvider,
	}
}

// DefaultProvider returns the configured default provider type
func (f *ProviderFactory) DefaultProvider() ProviderType {
	return f.defaultProvider
}

// TypesenseConfig returns the Typesense configuration
func (f *ProviderFactory) TypesenseConfig() types.TypesenseConfig {
	return f.typesenseConfig
}

// MeilisearchConfig returns the Meilisearch configuration
func (f *ProviderFactory) MeilisearchConfig() types.MeilisearchConfig {
	return f.meilisearchConfig
}

// Enabled returns true if any search provider is enabled
func (f *ProviderFactory) Enabled() bool {
	return f.typesenseConfig.Enabled || f.meilisearchConfig.Enabled
}

// Validate validates the configuration
func (f *ProviderFactory) Validate() error {
	switch f.defaultProvider {
	case ProviderMeilisearch:
		if !f.meilisearchConfig.Enabled {
			return fmt.Errorf("meilisearch is selected as provider but is not enabled")
		}
		if f.meilisearchConfig.Host == "" {
			return fmt.Errorf("meilisearch host is required")
		}
	case ProviderTypesense:
		if !f.typesenseConfig.Enabled {
			return fmt.Errorf("typesense is selected as provider but is not enabled")
		}
		if len(f.typesenseConfig.Nodes) == 0 {
			return fmt.Errorf("typesense nodes are required")
		}
	}
	return nil
}

// LogConfig logs the current search configuration
func (f *ProviderFactory) LogConfig() {
	log.Info().
		Str("default_provider", string(f.defaultProvider)).
		Bool("typesense_enabled", f.typesenseConfig.Enabled).
		Bool("meilisearch_enabled", f.meilisearchConfig.Enabled).
		Msg("Search provider configuration")
}
