package router

import (
	"strings"

	"github.com/conduitmcp/conduit/pkg/types"
)

// heuristicRoute is the deterministic fallback: score every tool by
// keyword overlap with the query and pick the best. Never errors; in the
// worst case it returns the first tool of the first connected server at
// rock-bottom confidence.
func heuristicRoute(query string, catalog *types.Catalog) *types.RoutingPlan {
	words := tokenize(query)

	var best *types.RoutingPlan
	bestScore := 0

	for _, srv := range catalog.Servers {
		if srv.Status != types.StatusConnected {
			continue
		}
		for _, tool := range srv.Tools {
			score := scoreTool(words, tool)
			if score > bestScore {
				bestScore = score
				best = &types.RoutingPlan{
					Intent:    query,
					ServerID:  srv.ServerID,
					Tool:      tool.Name,
					Reasoning: "keyword match",
				}
			}
		}
	}

	if best != nil {
		// More matched words means more trust, within a narrow band
		confidence := 0.5 + 0.05*float64(bestScore)
		if confidence > 0.7 {
			confidence = 0.7
		}
		best.Confidence = confidence
		return best
	}

	// Nothing matched: the first tool of the first connected server,
	// barely trusted at all
	for _, srv := range catalog.Servers {
		if srv.Status != types.StatusConnected || len(srv.Tools) == 0 {
			continue
		}
		return &types.RoutingPlan{
			Intent:     query,
			ServerID:   srv.ServerID,
			Tool:       srv.Tools[0].Name,
			Reasoning:  "no keyword match, defaulting to first available tool",
			Confidence: 0.2,
		}
	}

	// No connected server with tools at all
	return &types.RoutingPlan{
		Intent:     query,
		Reasoning:  "no connected servers with tools",
		Confidence: 0,
	}
}

// scoreTool counts query words that appear in the tool's name,
// description, or example phrases. Name hits weigh double.
func scoreTool(words []string, tool types.ToolDefinition) int {
	name := strings.ToLower(tool.Name)
	desc := strings.ToLower(tool.Description)

	var examples string
	if len(tool.Examples) > 0 {
		examples = strings.ToLower(strings.Join(tool.Examples, " "))
	}

	score := 0
	for _, w := range words {
		if strings.Contains(name, w) {
			score += 2
		}
		if strings.Contains(desc, w) {
			score++
		}
		if examples != "" && strings.Contains(examples, w) {
			score++
		}
	}
	return score
}

// stopwords are too common to signal anything.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"in": true, "on": true, "at": true, "to": true, "of": true,
	"for": true, "me": true, "my": true, "i": true, "you": true,
	"please": true, "can": true, "what": true, "whats": true,
	"show": true, "get": true, "do": true, "with": true,
}

// tokenize lowercases and splits the query, dropping stopwords and
// single characters.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
