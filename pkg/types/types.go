package types

// Package types provides shared type definitions for Conduit.
// Contains core data structures used across the application.
import (
	"time"
)

// Transport Kinds

// TransportKind identifies how a tool server is reached.
type TransportKind string

const (
	TransportPipe   TransportKind = "pipe"
	TransportSocket TransportKind = "socket"
	TransportSSE    TransportKind = "sse"
)

// Core Types

// ServerConfig describes one configured tool server. Immutable once loaded;
// replacing it triggers full connection re-creation.
type ServerConfig struct {
	Name      string        `json:"name" yaml:"name"`
	Transport TransportKind `json:"transport" yaml:"transport"`

	// Pipe transport
	Command string            `json:"command,omitempty" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	WorkDir string            `json:"workingDirectory,omitempty" yaml:"working_directory"`

	// Socket / event-stream transport
	URL string `json:"url,omitempty" yaml:"url"`

	Enabled       bool `json:"enabled" yaml:"enabled"`
	TimeoutMs     int  `json:"timeout,omitempty" yaml:"timeout"`
	RetryAttempts int  `json:"retryAttempts,omitempty" yaml:"retry_attempts"`
}

// Timeout returns the per-request timeout with the default applied.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Retries returns the connect attempt budget with the default applied.
func (c ServerConfig) Retries() int {
	if c.RetryAttempts <= 0 {
		return 3
	}
	return c.RetryAttempts
}

// ToolDefinition describes one callable tool exposed by a server.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Examples    []string               `json:"examples,omitempty"`
	ServerID    string                 `json:"serverId,omitempty"`
}

// ResourceDefinition describes one readable resource exposed by a server.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the structured outcome of a tool invocation.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the textual content blocks of a result.
func (r *ToolResult) Text() string {
	out := ""
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// Catalog Types

// ServerStatus describes a catalog entry's connection state.
type ServerStatus string

const (
	StatusConnected    ServerStatus = "connected"
	StatusDisconnected ServerStatus = "disconnected"
	StatusError        ServerStatus = "error"
)

// ServerCatalogEntry is one server's slice of the capability catalog.
type ServerCatalogEntry struct {
	ServerID    string               `json:"serverId"`
	DisplayName string               `json:"displayName"`
	Description string               `json:"description,omitempty"`
	Tools       []ToolDefinition     `json:"tools"`
	Resources   []ResourceDefinition `json:"resources,omitempty"`
	Status      ServerStatus         `json:"status"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// Catalog is an immutable snapshot of every known server's capabilities.
// Discovery replaces the whole snapshot atomically; readers keep whichever
// snapshot they were handed.
type Catalog struct {
	Servers     []ServerCatalogEntry `json:"servers"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

// Server returns the entry for a server id, or nil.
func (c *Catalog) Server(id string) *ServerCatalogEntry {
	if c == nil {
		return nil
	}
	for i := range c.Servers {
		if c.Servers[i].ServerID == id {
			return &c.Servers[i]
		}
	}
	return nil
}

// HasTool reports whether the snapshot knows the given server/tool pair.
func (c *Catalog) HasTool(serverID, tool string) bool {
	entry := c.Server(serverID)
	if entry == nil {
		return false
	}
	for _, t := range entry.Tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

// Connected returns the entries whose server is currently connected.
func (c *Catalog) Connected() []ServerCatalogEntry {
	if c == nil {
		return nil
	}
	var out []ServerCatalogEntry
	for _, s := range c.Servers {
		if s.Status == StatusConnected {
			out = append(out, s)
		}
	}
	return out
}

// IsEmpty reports whether the snapshot carries no servers at all.
func (c *Catalog) IsEmpty() bool {
	return c == nil || len(c.Servers) == 0
}

// AllTools flattens every server's tool list into one slice.
func (c *Catalog) AllTools() []ToolDefinition {
	if c == nil {
		return nil
	}
	var out []ToolDefinition
	for _, s := range c.Servers {
		out = append(out, s.Tools...)
	}
	return out
}

// Routing Types

// RoutingPlan is the router's validated decision for a natural-language query.
type RoutingPlan struct {
	Intent     string                 `json:"intent"`
	ServerID   string                 `json:"selectedServer"`
	Tool       string                 `json:"selectedTool"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	Confidence float64                `json:"confidence"`
	Fallbacks  []RoutingPlan          `json:"fallbackPlans,omitempty"`
}

// Empty reports whether the plan selects nothing.
func (p *RoutingPlan) Empty() bool {
	return p == nil || p.ServerID == "" || p.Tool == ""
}

// Health Types

// ConnectionHealth is the cumulative health record for one server. It
// survives reconnects even though the connection object is replaced.
type ConnectionHealth struct {
	ServerID      string    `json:"serverId"`
	Connected     bool      `json:"connected"`
	LastError     string    `json:"lastError,omitempty"`
	RetryCount    int       `json:"retryCount"`
	LastRetryAt   time.Time `json:"lastRetryAt,omitempty"`
	TotalCalls    int64     `json:"totalCalls"`
	TotalFailures int64     `json:"totalFailures"`
}

// HealthEvent is one persisted health transition, kept as history.
type HealthEvent struct {
	ServerID  string    `json:"serverId"`
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerSearchResult is one server's contribution to a cross-server search.
type ServerSearchResult struct {
	ServerID string      `json:"serverId"`
	Tool     string      `json:"tool,omitempty"`
	Result   *ToolResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// CallEvent represents an analytics event for one tool invocation.
type CallEvent struct {
	ID        string        `json:"id"`
	ServerID  string        `json:"server_id"`
	Tool      string        `json:"tool"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Request/Response Types (HTTP gateway)

// CallToolRequest represents a direct tool invocation request.
type CallToolRequest struct {
	Server string                 `json:"server"`
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args"`
}

// CallToolResponse represents a tool invocation response.
type CallToolResponse struct {
	Success  bool        `json:"success"`
	Result   *ToolResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
	Duration int64       `json:"duration_ms"`
}

// QueryRequest represents a natural-language routing request.
type QueryRequest struct {
	Text    string `json:"text"`
	Execute bool   `json:"execute,omitempty"`
}

// QueryResponse pairs the routing plan with its optional execution result.
type QueryResponse struct {
	Plan     *RoutingPlan `json:"plan"`
	Executed bool         `json:"executed"`
	Result   *ToolResult  `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config Types

// Config represents the entire application configuration.
type Config struct {
	Gateway       GatewayConfig           `yaml:"gateway" mapstructure:"gateway"`
	Servers       map[string]ServerConfig `yaml:"servers" mapstructure:"servers"`
	Router        RouterConfig            `yaml:"router" mapstructure:"router"`
	LLM           LLMConfig               `yaml:"llm" mapstructure:"llm"`
	Discovery     DiscoveryConfig         `yaml:"discovery" mapstructure:"discovery"`
	Storage       StorageConfig           `yaml:"storage" mapstructure:"storage"`
	Analytics     AnalyticsConfig         `yaml:"analytics" mapstructure:"analytics"`
	Observability ObservabilityConfig     `yaml:"observability" mapstructure:"observability"`
}

// GatewayConfig represents HTTP gateway configuration.
type GatewayConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	ReadTimeout  string `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// RouterConfig represents query-router configuration.
type RouterConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	ScriptRules         []string `yaml:"script_rules" mapstructure:"script_rules"`
}

// LLMConfig represents LLM provider configuration.
type LLMConfig struct {
	Primary  LLMProviderConfig `yaml:"primary" mapstructure:"primary"`
	Fallback LLMProviderConfig `yaml:"fallback" mapstructure:"fallback"`
}

// LLMProviderConfig configures one chat-completion endpoint.
type LLMProviderConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	Timeout     string  `yaml:"timeout" mapstructure:"timeout"`
}

// DiscoveryConfig represents server-discovery configuration.
type DiscoveryConfig struct {
	Interval string `yaml:"interval" mapstructure:"interval"`
}

// StorageConfig represents storage configuration.
type StorageConfig struct {
	Badger BadgerConfig `yaml:"badger" mapstructure:"badger"`
	Search SearchConfig `yaml:"search" mapstructure:"search"`
}

// BadgerConfig represents BadgerDB configuration.
type BadgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SearchConfig represents catalog search-index configuration.
type SearchConfig struct {
	Provider    string            `yaml:"provider" mapstructure:"provider"`
	Typesense   TypesenseConfig   `yaml:"typesense" mapstructure:"typesense"`
	Meilisearch MeilisearchConfig `yaml:"meilisearch" mapstructure:"meilisearch"`
}

// TypesenseConfig represents Typesense search configuration.
type TypesenseConfig struct {
	Enabled    bool     `yaml:"enabled" mapstructure:"enabled"`
	Nodes      []string `yaml:"nodes" mapstructure:"nodes"`
	APIKey     string   `yaml:"api_key" mapstructure:"api_key"`
	Collection string   `yaml:"collection" mapstructure:"collection"`
	NumTypos   int      `yaml:"num_typos" mapstructure:"num_typos"`
	Timeout    string   `yaml:"timeout" mapstructure:"timeout"`
}

// MeilisearchConfig represents Meilisearch search configuration.
type MeilisearchConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Host      string `yaml:"host" mapstructure:"host"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	IndexName string `yaml:"index_name" mapstructure:"index_name"`
}

// AnalyticsConfig represents analytics configuration.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// ObservabilityConfig represents observability configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}
