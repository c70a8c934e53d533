package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmcp/conduit/pkg/types"
)

// staticSource serves a fixed catalog.
type staticSource struct {
	catalog *types.Catalog
}

func (s *staticSource) Catalog() *types.Catalog { return s.catalog }

func testCatalog() *types.Catalog {
	return &types.Catalog{
		GeneratedAt: time.Now(),
		Servers: []types.ServerCatalogEntry{
			{
				ServerID: "files",
				Status:   types.StatusConnected,
				Tools: []types.ToolDefinition{
					{Name: "read_file", Description: "Read a file from disk", Examples: []string{"read the file config.yaml"}},
					{Name: "write_file", Description: "Write content to a file"},
				},
			},
			{
				ServerID: "notes",
				Status:   types.StatusConnected,
				Tools: []types.ToolDefinition{
					{Name: "search_notes", Description: "Search across notes"},
				},
			},
			{
				ServerID: "down",
				Status:   types.StatusDisconnected,
				Tools: []types.ToolDefinition{
					{Name: "unreachable_tool", Description: "never pick me"},
				},
			},
		},
	}
}

// fakeProvider returns scripted output or an error.
type fakeProvider struct {
	out string
	err error
}

func (f *fakeProvider) Complete(ctx context.Context, system, user string) (string, error) {
	return f.out, f.err
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return f.err }
func (f *fakeProvider) Name() string                          { return "fake" }

func TestRoute_ValidLLMPlan(t *testing.T) {
	provider := &fakeProvider{out: "```json\n" +
		`{"intent":"read config","selectedServer":"files","selectedTool":"read_file","parameters":{"path":"config.yaml"},"confidence":0.92}` +
		"\n```"}

	r := NewRouter(&staticSource{testCatalog()}, WithProvider(provider))

	plan, err := r.Route(context.Background(), "read config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "read_file", plan.Tool)
	assert.Equal(t, "config.yaml", plan.Parameters["path"])
	assert.InDelta(t, 0.92, plan.Confidence, 0.001)
}

func TestRoute_InvalidPlanPromotesFallback(t *testing.T) {
	provider := &fakeProvider{out: `{
		"intent": "search",
		"selectedServer": "ghost",
		"selectedTool": "search_everything",
		"confidence": 0.9,
		"fallbackPlans": [
			{"selectedServer": "also-ghost", "selectedTool": "nope", "confidence": 0.5},
			{"selectedServer": "notes", "selectedTool": "search_notes", "confidence": 0.6}
		]
	}`}

	r := NewRouter(&staticSource{testCatalog()}, WithProvider(provider))

	plan, err := r.Route(context.Background(), "find my notes")
	require.NoError(t, err)
	assert.Equal(t, "notes", plan.ServerID)
	assert.Equal(t, "search_notes", plan.Tool)
}

func TestRoute_InvalidPlanNoFallbackUsesKeywords(t *testing.T) {
	provider := &fakeProvider{out: `{"selectedServer":"ghost","selectedTool":"nope","confidence":0.9}`}

	r := NewRouter(&staticSource{testCatalog()}, WithProvider(provider))

	plan, err := r.Route(context.Background(), "read the file main.go")
	require.NoError(t, err)
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "read_file", plan.Tool)
	assert.GreaterOrEqual(t, plan.Confidence, 0.5)
	assert.LessOrEqual(t, plan.Confidence, 0.7)
}

func TestRoute_ProviderErrorUsesKeywords(t *testing.T) {
	provider := &fakeProvider{err: &types.LLMProviderError{Provider: "fake", Err: assert.AnError}}

	r := NewRouter(&staticSource{testCatalog()}, WithProvider(provider))

	plan, err := r.Route(context.Background(), "search my notes for the retro")
	require.NoError(t, err)
	assert.Equal(t, "notes", plan.ServerID)
	assert.Equal(t, "search_notes", plan.Tool)
}

func TestRoute_NoProviderUsesKeywords(t *testing.T) {
	r := NewRouter(&staticSource{testCatalog()})

	plan, err := r.Route(context.Background(), "write something to a file")
	require.NoError(t, err)
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "write_file", plan.Tool)
}

func TestRoute_EmptyCatalog(t *testing.T) {
	r := NewRouter(&staticSource{&types.Catalog{}})

	plan, err := r.Route(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Zero(t, plan.Confidence)
}

func TestRoute_EmptyQuery(t *testing.T) {
	r := NewRouter(&staticSource{testCatalog()})
	_, err := r.Route(context.Background(), "   ")
	assert.Error(t, err)
}

func TestRoute_CacheHit(t *testing.T) {
	provider := &fakeProvider{out: `{"selectedServer":"files","selectedTool":"read_file","confidence":0.9}`}
	r := NewRouter(&staticSource{testCatalog()}, WithProvider(provider))

	first, err := r.Route(context.Background(), "read it")
	require.NoError(t, err)

	// Provider now fails; the cached plan still serves
	provider.err = assert.AnError
	provider.out = ""

	second, err := r.Route(context.Background(), "read it")
	require.NoError(t, err)
	assert.Equal(t, first.Tool, second.Tool)
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, p *types.RoutingPlan)
	}{
		{
			name: "bare json",
			raw:  `{"selectedServer":"s","selectedTool":"t","confidence":0.5}`,
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.Equal(t, "s", p.ServerID)
			},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"selectedServer\":\"s\",\"selectedTool\":\"t\",\"confidence\":0.5}\n```",
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.Equal(t, "t", p.Tool)
			},
		},
		{
			name: "fence without language tag",
			raw:  "```\n{\"selectedServer\":\"s\",\"selectedTool\":\"t\"}\n```",
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.Equal(t, "s", p.ServerID)
			},
		},
		{
			name: "prose around json",
			raw:  "Sure! Here is the plan: {\"selectedServer\":\"s\",\"selectedTool\":\"t\"} Hope that helps.",
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.Equal(t, "s", p.ServerID)
			},
		},
		{
			name: "percentage confidence normalized",
			raw:  `{"selectedServer":"s","selectedTool":"t","confidence":85}`,
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.InDelta(t, 0.85, p.Confidence, 0.001)
			},
		},
		{
			name: "negative confidence clamped",
			raw:  `{"selectedServer":"s","selectedTool":"t","confidence":-3}`,
			check: func(t *testing.T, p *types.RoutingPlan) {
				assert.Zero(t, p.Confidence)
			},
		},
		{
			name:    "no json at all",
			raw:     "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "broken json",
			raw:     `{"selectedServer": "s",`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, plan)
		})
	}
}

func TestValidatePlan(t *testing.T) {
	catalog := testCatalog()

	err := ValidatePlan(&types.RoutingPlan{ServerID: "files", Tool: "read_file"}, catalog)
	assert.NoError(t, err)

	err = ValidatePlan(&types.RoutingPlan{ServerID: "ghost", Tool: "read_file"}, catalog)
	var vErr *types.RoutingValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "ghost", vErr.Server)

	err = ValidatePlan(&types.RoutingPlan{ServerID: "files", Tool: "format_disk"}, catalog)
	require.ErrorAs(t, err, &vErr)

	err = ValidatePlan(&types.RoutingPlan{}, catalog)
	assert.Error(t, err)
}

func TestHeuristicRoute_SkipsDisconnected(t *testing.T) {
	plan := heuristicRoute("use the unreachable tool", testCatalog())
	assert.NotEqual(t, "down", plan.ServerID)
}

func TestHeuristicRoute_NoMatchDefaultsToFirstTool(t *testing.T) {
	plan := heuristicRoute("zzz qqq xyzzy", testCatalog())
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "read_file", plan.Tool)
	assert.InDelta(t, 0.2, plan.Confidence, 0.001)
}

func TestHeuristicRoute_NoConnectedServers(t *testing.T) {
	catalog := &types.Catalog{
		Servers: []types.ServerCatalogEntry{
			{ServerID: "down", Status: types.StatusDisconnected,
				Tools: []types.ToolDefinition{{Name: "x"}}},
		},
	}
	plan := heuristicRoute("anything", catalog)
	assert.True(t, plan.Empty())
	assert.Zero(t, plan.Confidence)
}

func TestTokenize(t *testing.T) {
	words := tokenize("Please read THE file config.yaml for me!")
	assert.Equal(t, []string{"read", "file", "config", "yaml"}, words)
}

// refreshingSource serves a catalog and can swap it in on Refresh,
// counting how often that happens.
type refreshingSource struct {
	catalog   *types.Catalog
	refreshed *types.Catalog
	refreshes int
}

func (s *refreshingSource) Catalog() *types.Catalog { return s.catalog }

func (s *refreshingSource) Refresh(ctx context.Context) *types.Catalog {
	s.refreshes++
	if s.refreshed != nil {
		s.catalog = s.refreshed
	}
	return s.catalog
}

func TestRoute_EmptyCatalogForcesRefresh(t *testing.T) {
	source := &refreshingSource{
		catalog:   &types.Catalog{},
		refreshed: testCatalog(),
	}
	r := NewRouter(source)

	plan, err := r.Route(context.Background(), "read the file config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, source.refreshes)
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "read_file", plan.Tool)
}

func TestRoute_StaleCatalogForcesRefresh(t *testing.T) {
	stale := testCatalog()
	stale.GeneratedAt = time.Now().Add(-time.Hour)
	source := &refreshingSource{
		catalog:   stale,
		refreshed: testCatalog(),
	}
	r := NewRouter(source, WithMaxCatalogAge(5*time.Minute))

	_, err := r.Route(context.Background(), "read the file config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, source.refreshes)
}

func TestRoute_FreshCatalogSkipsRefresh(t *testing.T) {
	source := &refreshingSource{catalog: testCatalog()}
	r := NewRouter(source, WithMaxCatalogAge(5*time.Minute))

	_, err := r.Route(context.Background(), "read the file config.yaml")
	require.NoError(t, err)
	assert.Zero(t, source.refreshes)
}
