package meilisearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/pkg/types"
)

// Client represents a Meilisearch search client
type Client struct {
	client    meilisearch.ServiceManager
	config    types.MeilisearchConfig
	indexName string
}

// Ensure Client implements search.Provider
var _ search.Provider = (*Client)(nil)

// NewClient creates a new Meilisearch client
func NewClient(cfg types.MeilisearchConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("meilisearch is disabled")
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("meilisearch host is not configured")
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "catalog_tools"
	}

	client := meilisearch.New(
		cfg.Host,
		meilisearch.WithAPIKey(cfg.APIKey),
	)

	c := &Client{
		client:    client,
		config:    cfg,
		indexName: indexName,
	}

	log.Info().
		Str("host", cfg.Host).
		Str("index", indexName).
		Msg("Meilisearch client initialized")

	return c, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return "meilisearch"
}

// HealthCheck checks if Meilisearch is available
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.client.Health()
	if err != nil {
		return fmt.Errorf("meilisearch health check failed: %w", err)
	}
	if health.Status != "available" {
		return fmt.Errorf("meilisearch is unhealthy: %s", health.Status)
	}
	return nil
}

// CreateSchema creates the catalog tools index schema
func (c *Client) CreateSchema(ctx context.Context) error {
	_, err := c.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        c.indexName,
		PrimaryKey: "id",
	})
	if err != nil {
		// Check if index already exists (not a real error)
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create index: %w", err)
		}
		log.Debug().Str("index", c.indexName).Msg("Index already exists")
	}

	index := c.client.Index(c.indexName)

	searchableAttrs := []string{"name", "description", "examples"}
	_, err = index.UpdateSearchableAttributes(&searchableAttrs)
	if err != nil {
		return fmt.Errorf("failed to update searchable attributes: %w", err)
	}

	filterableAttrs := toInterfaceSlice("server_id")
	_, err = index.UpdateFilterableAttributes(&filterableAttrs)
	if err != nil {
		return fmt.Errorf("failed to update filterable attributes: %w", err)
	}

	sortableAttrs := []string{"indexed_at", "name"}
	_, err = index.UpdateSortableAttributes(&sortableAttrs)
	if err != nil {
		return fmt.Errorf("failed to update sortable attributes: %w", err)
	}

	log.Info().Str("index", c.indexName).Msg("Meilisearch schema created/updated")
	return nil
}

// IndexTools upserts catalog tools into the index
func (c *Client) IndexTools(ctx context.Context, tools []types.ToolDefinition) error {
	if len(tools) == 0 {
		return nil
	}

	now := time.Now().Unix()
	docs := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		docs = append(docs, map[string]interface{}{
			"id":          documentKey(tool.ServerID, tool.Name),
			"name":        tool.Name,
			"description": tool.Description,
			"server_id":   tool.ServerID,
			"examples":    tool.Examples,
			"indexed_at":  now,
		})
	}

	index := c.client.Index(c.indexName)
	primaryKey := "id"
	_, err := index.AddDocuments(docs, &primaryKey)
	if err != nil {
		return fmt.Errorf("failed to index tools: %w", err)
	}

	log.Debug().
		Int("count", len(tools)).
		Str("index", c.indexName).
		Msg("Tools indexed in Meilisearch")

	return nil
}

// DeleteServer removes all tools of a server from the index
func (c *Client) DeleteServer(ctx context.Context, serverID string) error {
	index := c.client.Index(c.indexName)
	filter := fmt.Sprintf("server_id = '%s'", serverID)
	_, err := index.DeleteDocumentsByFilter(filter)
	if err != nil {
		return fmt.Errorf("failed to delete server tools %s: %w", serverID, err)
	}

	log.Info().Str("server", serverID).Msg("Server tools deleted from Meilisearch")
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

	offset := int64((params.Page - 1) * params.PageSize)

	searchReq := &meilisearch.SearchRequest{
		Limit:                int64(params.PageSize),
		Offset:               offset,
		AttributesToRetrieve: []string{"*"},
	}

	if params.ServerID != "" {
		searchReq.Filter = fmt.Sprintf("server_id = '%s'", params.ServerID)
	}

	start := time.Now()
	index := c.client.Index(c.indexName)
	result, err := index.Search(params.Query, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	searchTime := time.Since(start).Milliseconds()

	// Parse results - Hit is map[string]json.RawMessage
	tools := make([]search.ToolDocument, 0)
	for _, hit := range result.Hits {
		var hitMap map[string]interface{}
		if err := hit.DecodeInto(&hitMap); err != nil {
			log.Warn().Err(err).Msg("Failed to decode hit")
			continue
		}

		tools = append(tools, search.ToolDocument{
			ID:          getString(hitMap, "id"),
			Name:        getString(hitMap, "name"),
			Description: getString(hitMap, "description"),
			ServerID:    getString(hitMap, "server_id"),
			Examples:    getStringArray(hitMap, "examples"),
			IndexedAt:   getInt(hitMap, "indexed_at"),
		})
	}

	total := int(result.EstimatedTotalHits)
	totalPages := (total + params.PageSize - 1) / params.PageSize

	log.Debug().
		Str("query", params.Query).
		Int("total", total).
		Int64("search_time_ms", searchTime).
		Msg("Meilisearch search completed")

	return &search.SearchResult{
		Tools:      tools,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalPages: totalPages,
		SearchTime: searchTime,
		Provider:   "meilisearch",
	}, nil
}

// GetStats returns index statistics
func (c *Client) GetStats(ctx context.Context) (map[string]interface{}, error) {
	index := c.client.Index(c.indexName)
	stats, err := index.GetStats()
	if err != nil {
		return nil, fmt.Errorf("failed to get index stats: %w", err)
	}

	return map[string]interface{}{
		"index":         c.indexName,
		"provider":      "meilisearch",
		"num_documents": stats.NumberOfDocuments,
		"is_indexing":   stats.IsIndexing,
	}, nil
}

// Close closes the client (no-op for Meilisearch, but implements interface)
func (c *Client) Close() error {
	log.Info().Msg("Meilisearch client closed")
	return nil
}

func documentKey(serverID, toolName string) string {
	return search.DocumentID(serverID, toolName)
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
		}
	}
	return 0
}

func toInterfaceSlice(values ...string) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}
