package search

import (
	"context"

	"github.com/conduitmcp/conduit/pkg/types"
)

// Provider defines the interface for catalog search engines (Typesense, Meilisearch, etc.)
type Provider interface {
	// HealthCheck checks if the search engine is available
	HealthCheck(ctx context.Context) error

	// CreateSchema creates the tools collection/index schema
	CreateSchema(ctx context.Context) error

	// IndexTools indexes catalog tools. Existing documents are upserted.
	IndexTools(ctx context.Context, tools []types.ToolDefinition) error

	// DeleteServer removes all tools of a server from the index
	DeleteServer(ctx context.Context, serverID string) error

	// Search searches for tools with keyword search
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// GetStats returns collection/index statistics
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// Close closes the client connection
	Close() error

	// Name returns the provider name for logging
	Name() string
}

// SearchParams represents search parameters
type SearchParams struct {
	Query    string // Search query
	ServerID string // Filter by server
	Page     int    // Page number (1-based)
	PageSize int    // Results per page
}

// SearchResult represents search results
type SearchResult struct {
	Tools      []ToolDocument `json:"tools"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
	SearchTime int64          `json:"search_time_ms"`
	Provider   string         `json:"provider"` // "meilisearch" or "typesense"
}

// ToolDocument represents a catalog tool document in the search index
type ToolDocument struct {
	ID          string   `json:"id"` // "<server>__<tool>"
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ServerID    string   `json:"server_id"`
	Examples    []string `json:"examples,omitempty"`
	IndexedAt   int64    `json:"indexed_at"`
}

// DocumentID builds the index document id for a catalog tool.
// Meilisearch only accepts alphanumerics, hyphens and underscores in
// document ids, so anything else is replaced.
func DocumentID(serverID, toolName string) string {
	return sanitizeID(serverID) + "__" + sanitizeID(toolName)
}

func sanitizeID(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			out[i] = '-'
		}
	}
	return string(out)
}
