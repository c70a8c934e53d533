package typesense

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"

	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/pkg/types"
)

// Ensure Client implements search.Provider
var _ search.Provider = (*Client)(nil)

// Client represents a Typesense search client
type Client struct {
	client     *typesense.Client
	config     types.TypesenseConfig
	collection string
}

// NewClient creates a new Typesense client
func NewClient(cfg types.TypesenseConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("typesense is disabled")
	}

	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("no typesense nodes configured")
	}

	timeout := 5 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err == nil {
			timeout = parsed
		}
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "catalog_tools"
	}

	client := typesense.NewClient(
		typesense.WithServer(cfg.Nodes[0]),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(timeout),
	)

	c := &Client{
		client:     client,
		config:     cfg,
		collection: collection,
	}

	log.Info().
		Strs("nodes", cfg.Nodes).
		Str("collection", collection).
		Msg("Typesense client initialized")

	return c, nil
}

// HealthCheck checks if Typesense is available
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.client.Health(ctx, 5*time.Second)
	if err != nil {
		return fmt.Errorf("typesense health check failed: %w", err)
	}
	if !health {
		return fmt.Errorf("typesense is unhealthy")
	}
	return nil
}

// CreateSchema creates the catalog tools collection schema
func (c *Client) CreateSchema(ctx context.Context) error {
	schema := &api.CollectionSchema{
		Name: c.collection,
		Fields: []api.Field{
			{Name: "id", Type: "string"},
			{Name: "name", Type: "string", Sort: pointer.True()},
			{Name: "description", Type: "string", Optional: pointer.True()},
			{Name: "server_id", Type: "string", Facet: pointer.True()},
			{Name: "examples", Type: "string[]", Optional: pointer.True()},
			{Name: "indexed_at", Type: "int64", Sort: pointer.True()},
		},
		DefaultSortingField: pointer.String("indexed_at"),
	}

	_, err := c.client.Collections().Create(ctx, schema)
	if err != nil {
		// Check if collection already exists
		if _, getErr := c.client.Collection(c.collection).Retrieve(ctx); getErr == nil {
			log.Debug().Str("collection", c.collection).Msg("Collection already exists")
			return nil
		}
		return fmt.Errorf("failed to create collection: %w", err)
	}

	log.Info().Str("collection", c.collection).Msg("Collection created")
	return nil
}

// IndexTools upserts catalog tools into the collection
func (c *Client) IndexTools(ctx context.Context, tools []types.ToolDefinition) error {
	now := time.Now().Unix()

	for _, tool := range tools {
		doc := search.ToolDocument{
			ID:          search.DocumentID(tool.ServerID, tool.Name),
			Name:        tool.Name,
			Description: tool.Description,
			ServerID:    tool.ServerID,
			Examples:    tool.Examples,
			IndexedAt:   now,
		}

		_, err := c.client.Collection(c.collection).Documents().Upsert(ctx, doc)
		if err != nil {
			return fmt.Errorf("failed to index tool %s: %w", doc.ID, err)
		}
	}

	log.Debug().
		Int("count", len(tools)).
		Str("collection", c.collection).
		Msg("Tools indexed")

	return nil
}

// DeleteServer removes all tools of a server from the index
func (c *Client) DeleteServer(ctx context.Context, serverID string) error {
	filter := fmt.Sprintf("server_id:=%s", serverID)
	_, err := c.client.Collection(c.collection).Documents().Delete(ctx, &api.DeleteDocumentsParams{
		FilterBy: &filter,
	})
	if err != nil {
		return fmt.Errorf("failed to delete server tools %s: %w", serverID, err)
	}

	log.Info().Str("server", serverID).Msg("Server tools deleted from index")
	return nil
}

// Search searches catalog tools by keyword
func (c *Client) Search(ctx context.Context, params search.SearchParams) (*search.SearchResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}
	if params.Query == "" {
		params.Query = "*" // Match all
	}

	filterBy := ""
	if params.ServerID != "" {
		filterBy = fmt.Sprintf("server_id:=%s", params.ServerID)
	}

	numTypos := c.config.NumTypos
	if numTypos == 0 {
		numTypos = 2
	}

	queryBy := "name,description,examples"
	numTyposStr := fmt.Sprintf("%d", numTypos)
	searchParams := &api.SearchCollectionParams{
		Q:        &params.Query,
		QueryBy:  &queryBy,
		FilterBy: pointer.String(filterBy),
		Page:     pointer.Int(params.Page),
		PerPage:  pointer.Int(params.PageSize),
		NumTypos: &numTyposStr,
	}

	start := time.Now()
	result, err := c.client.Collection(c.collection).Documents().Search(ctx, searchParams)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	searchTime := time.Since(start).Milliseconds()

	tools := make([]search.ToolDocument, 0)
	if result.Hits != nil {
		for _, hit := range *result.Hits {
			if hit.Document != nil {
				doc := *hit.Document
				tools = append(tools, search.ToolDocument{
					ID:          getString(doc, "id"),
					Name:        getString(doc, "name"),
					Description: getString(doc, "description"),
					ServerID:    getString(doc, "server_id"),
					Examples:    getStringArray(doc, "examples"),
					IndexedAt:   getInt(doc, "indexed_at"),
				})
			}
		}
	}

	total := 0
	if result.Found != nil {
		total = *result.Found
	}

	totalPages := (total + params.PageSize - 1) / params.PageSize

	log.Debug().
		Str("query", params.Query).
		Int("total", total).
		Int64("search_time_ms", searchTime).
		Msg("Search completed")

	return &search.SearchResult{
		Tools:      tools,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalPages: totalPages,
		SearchTime: searchTime,
		Provider:   "typesense",
	}, nil
}

// GetStats returns collection statistics
func (c *Client) GetStats(ctx context.Context) (map[string]interface{}, error) {
	collection, err := c.client.Collection(c.collection).Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection stats: %w", err)
	}

	stats := map[string]interface{}{
		"collection": c.collection,
	}
	if collection.NumDocuments != nil {
		stats["num_documents"] = *collection.NumDocuments
	}

	return stats, nil
}

// Close closes the client (no-op for Typesense, but good practice)
func (c *Client) Close() error {
	log.Info().Msg("Typesense client closed")
	return nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return "typesense"
}

// Helper functions
func getString(doc map[string]interface{}, key string) string {
	if v, ok := doc[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getStringArray(doc map[string]interface{}, key string) []string {
	if v, ok := doc[key]; ok {
		if arr, ok := v.([]interface{}); ok {
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if s, ok := item.(string); ok {
					result = append(result, s)
				}
			}
			return result
		}
	}
	return nil
}

func getInt(doc map[string]interface{}, key string) int64 {
	if v, ok := doc[key]; ok {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
	}
	return 0
}
