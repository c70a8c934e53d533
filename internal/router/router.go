package router

// Package router turns natural-language queries into validated routing
// plans: which server, which tool, which parameters. An LLM does the
// heavy lifting; scripted rules can short-circuit it and a keyword
// matcher catches everything the LLM can't.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/router/providers"
	"github.com/conduitmcp/conduit/pkg/types"
)

// CatalogSource supplies the current capability snapshot.
type CatalogSource interface {
	Catalog() *types.Catalog
}

// CatalogRefresher rebuilds the snapshot on demand. The discovery
// service implements it; the router invokes it when the snapshot is
// empty or older than the discovery interval.
type CatalogRefresher interface {
	Refresh(ctx context.Context) *types.Catalog
}

// Router routes queries to tools.
type Router struct {
	source   CatalogSource
	provider providers.Provider // optional; keyword fallback without it
	scripts  *ScriptEngine      // optional user-defined rules
	maxAge   time.Duration      // snapshot age that forces a refresh; 0 means never

	cache map[string]*types.RoutingPlan
	mu    sync.RWMutex
}

// Option configures a Router.
type Option func(*Router)

// WithProvider attaches the LLM backend.
func WithProvider(p providers.Provider) Option {
	return func(r *Router) { r.provider = p }
}

// WithScriptEngine attaches user-defined routing rules.
func WithScriptEngine(s *ScriptEngine) Option {
	return func(r *Router) { r.scripts = s }
}

// WithMaxCatalogAge sets the snapshot age beyond which the router forces
// a refresh before routing.
func WithMaxCatalogAge(d time.Duration) Option {
	return func(r *Router) { r.maxAge = d }
}

// NewRouter creates a router over a catalog source.
func NewRouter(source CatalogSource, opts ...Option) *Router {
	r := &Router{
		source: source,
		cache:  make(map[string]*types.RoutingPlan),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route produces a validated plan for the query. Order: scripted rules,
// then LLM, then keyword matching. A plan is never returned pointing at
// a server or tool the catalog doesn't know.
func (r *Router) Route(ctx context.Context, query string) (*types.RoutingPlan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	catalog := r.source.Catalog()
	if r.needsRefresh(catalog) {
		if refresher, ok := r.source.(CatalogRefresher); ok {
			log.Debug().Str("query", query).Msg("Catalog empty or stale, forcing refresh")
			catalog = refresher.Refresh(ctx)
		}
	}
	if catalog.IsEmpty() {
		// Nothing to route to
		return &types.RoutingPlan{
			Intent:     query,
			Reasoning:  "no servers available",
			Confidence: 0,
		}, nil
	}

	// 1. User-defined rules win outright
	if r.scripts != nil {
		if plan := r.scripts.Evaluate(query, catalog); plan != nil {
			if err := ValidatePlan(plan, catalog); err == nil {
				log.Info().
					Str("query", query).
					Str("server", plan.ServerID).
					Str("tool", plan.Tool).
					Msg("Query routed by scripted rule")
				return plan, nil
			}
			log.Warn().Str("query", query).Msg("Scripted rule produced an invalid plan, ignoring")
		}
	}

	// 2. Cache
	r.mu.RLock()
	cached, ok := r.cache[query]
	r.mu.RUnlock()
	if ok && ValidatePlan(cached, catalog) == nil {
		log.Debug().Str("query", query).Msg("Routing cache hit")
		return cached, nil
	}

	// 3. LLM
	if r.provider != nil {
		plan, err := r.routeLLM(ctx, query, catalog)
		if err == nil {
			r.mu.Lock()
			r.cache[query] = plan
			r.mu.Unlock()
			return plan, nil
		}
		log.Warn().Err(err).Str("query", query).Msg("LLM routing failed, using keyword fallback")
	}

	// 4. Deterministic keyword matching
	plan := heuristicRoute(query, catalog)
	log.Info().
		Str("query", query).
		Str("server", plan.ServerID).
		Str("tool", plan.Tool).
		Float64("confidence", plan.Confidence).
		Msg("Query routed by keyword fallback")
	return plan, nil
}

// routeLLM asks the model for a plan and validates it, promoting a
// fallback plan when the primary choice doesn't exist.
// needsRefresh reports whether the snapshot is too empty or too old to
// route against.
func (r *Router) needsRefresh(catalog *types.Catalog) bool {
	if catalog.IsEmpty() {
		return true
	}
	return r.maxAge > 0 && time.Since(catalog.GeneratedAt) > r.maxAge
}

func (r *Router) routeLLM(ctx context.Context, query string, catalog *types.Catalog) (*types.RoutingPlan, error) {
	system, user := buildPrompt(query, catalog)

	raw, err := r.provider.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, err
	}
	if plan.Intent == "" {
		plan.Intent = query
	}

	if err := ValidatePlan(plan, catalog); err == nil {
		log.Info().
			Str("query", query).
			Str("server", plan.ServerID).
			Str("tool", plan.Tool).
			Float64("confidence", plan.Confidence).
			Msg("Query routed via LLM")
		return plan, nil
	}

	// The model picked something that doesn't exist. Try its own
	// fallback plans before giving up.
	for i := range plan.Fallbacks {
		fb := plan.Fallbacks[i]
		if err := ValidatePlan(&fb, catalog); err == nil {
			fb.Intent = plan.Intent
			log.Info().
				Str("query", query).
				Str("server", fb.ServerID).
				Str("tool", fb.Tool).
				Msg("Primary plan invalid, promoted fallback plan")
			return &fb, nil
		}
	}

	return nil, &types.RoutingValidationError{
		Server: plan.ServerID,
		Tool:   plan.Tool,
		Reason: "plan references unknown server or tool and no fallback is valid",
	}
}

// ValidatePlan checks a plan against the catalog.
func ValidatePlan(plan *types.RoutingPlan, catalog *types.Catalog) error {
	if plan.Empty() {
		return &types.RoutingValidationError{Reason: "plan selects no tool"}
	}
	entry := catalog.Server(plan.ServerID)
	if entry == nil {
		return &types.RoutingValidationError{
			Server: plan.ServerID,
			Tool:   plan.Tool,
			Reason: "unknown server",
		}
	}
	if !catalog.HasTool(plan.ServerID, plan.Tool) {
		return &types.RoutingValidationError{
			Server: plan.ServerID,
			Tool:   plan.Tool,
			Reason: "server does not expose this tool",
		}
	}
	return nil
}

// ParsePlan extracts a routing plan from raw model output. Handles code
// fences and leading prose around the JSON object.
func ParsePlan(raw string) (*types.RoutingPlan, error) {
	content := stripCodeFences(strings.TrimSpace(raw))

	jsonStart := strings.Index(content, "{")
	jsonEnd := strings.LastIndex(content, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd < jsonStart {
		return nil, fmt.Errorf("could not extract JSON from response: %s", truncate(content, 200))
	}

	var plan types.RoutingPlan
	if err := json.Unmarshal([]byte(content[jsonStart:jsonEnd+1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan JSON: %w", err)
	}

	// Confidence is a probability; models sometimes return percentages
	if plan.Confidence > 1 {
		plan.Confidence = plan.Confidence / 100
	}
	if plan.Confidence < 0 {
		plan.Confidence = 0
	}
	if plan.Confidence > 1 {
		plan.Confidence = 1
	}

	return &plan, nil
}

// stripCodeFences removes markdown fences like ```json ... ```.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Language tag on the opening fence
	if idx := strings.Index(s, "\n"); idx != -1 {
		first := strings.TrimSpace(s[:idx])
		if first != "" && !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// buildPrompt renders the catalog into the system prompt.
func buildPrompt(query string, catalog *types.Catalog) (string, string) {
	var b strings.Builder
	b.WriteString(`You are a query router. Given a user's natural language query and a catalog of servers and tools, pick the best tool and extract its parameters. Respond ONLY with a JSON object:

{"intent": "...", "selectedServer": "...", "selectedTool": "...", "parameters": {...}, "reasoning": "...", "confidence": 0.0, "fallbackPlans": [...]}

Rules:
- selectedServer and selectedTool MUST come from the catalog below
- confidence is between 0 and 1
- fallbackPlans lists alternative plans in the same shape, best first
- put extracted argument values in parameters
- Ensure the response is valid JSON

Catalog:
`)

	for _, srv := range catalog.Servers {
		b.WriteString(fmt.Sprintf("- server %q (%s)\n", srv.ServerID, srv.Status))
		for _, tool := range srv.Tools {
			b.WriteString(fmt.Sprintf("  * %s: %s\n", tool.Name, tool.Description))
			for _, ex := range tool.Examples {
				b.WriteString(fmt.Sprintf("      e.g. %q\n", ex))
			}
		}
	}

	return b.String(), query
}
