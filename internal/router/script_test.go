package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptEngine_RuleClaimsQuery(t *testing.T) {
	rule := `
		function route(query, catalog) {
			if (query.indexOf("weather") !== -1) {
				return {server: "files", tool: "read_file", parameters: {path: "/weather.txt"}, confidence: 0.95};
			}
			return null;
		}
	`
	engine, err := NewScriptEngine([]string{rule}, 2)
	require.NoError(t, err)
	defer engine.Close()

	plan := engine.Evaluate("what's the weather", testCatalog())
	require.NotNil(t, plan)
	assert.Equal(t, "files", plan.ServerID)
	assert.Equal(t, "read_file", plan.Tool)
	assert.Equal(t, "/weather.txt", plan.Parameters["path"])
	assert.InDelta(t, 0.95, plan.Confidence, 0.001)

	// Unclaimed query falls through
	assert.Nil(t, engine.Evaluate("something else", testCatalog()))
}

func TestScriptEngine_RulesRunInOrder(t *testing.T) {
	first := `function route(query, catalog) { return null; }`
	second := `function route(query, catalog) { return {server: "notes", tool: "search_notes"}; }`

	engine, err := NewScriptEngine([]string{first, second}, 1)
	require.NoError(t, err)
	defer engine.Close()

	plan := engine.Evaluate("anything", testCatalog())
	require.NotNil(t, plan)
	assert.Equal(t, "notes", plan.ServerID)
}

func TestScriptEngine_RuleCanInspectCatalog(t *testing.T) {
	rule := `
		function route(query, catalog) {
			for (var i = 0; i < catalog.length; i++) {
				if (catalog[i].status === "connected" && catalog[i].tools.length > 1) {
					return {server: catalog[i].id, tool: catalog[i].tools[0].name};
				}
			}
			return null;
		}
	`
	engine, err := NewScriptEngine([]string{rule}, 1)
	require.NoError(t, err)
	defer engine.Close()

	plan := engine.Evaluate("anything", testCatalog())
	require.NotNil(t, plan)
	assert.Equal(t, "files", plan.ServerID)
}

func TestScriptEngine_BrokenRuleRejectedAtCompile(t *testing.T) {
	_, err := NewScriptEngine([]string{`function route( {`}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not compile")
}

func TestScriptEngine_ThrowingRuleSkipped(t *testing.T) {
	bad := `function route(query, catalog) { throw new Error("boom"); }`
	good := `function route(query, catalog) { return {server: "files", tool: "read_file"}; }`

	engine, err := NewScriptEngine([]string{bad, good}, 1)
	require.NoError(t, err)
	defer engine.Close()

	plan := engine.Evaluate("anything", testCatalog())
	require.NotNil(t, plan)
	assert.Equal(t, "files", plan.ServerID)
}

func TestScriptEngine_IncompletePlanIgnored(t *testing.T) {
	rule := `function route(query, catalog) { return {server: "files"}; }`

	engine, err := NewScriptEngine([]string{rule}, 1)
	require.NoError(t, err)
	defer engine.Close()

	assert.Nil(t, engine.Evaluate("anything", testCatalog()))
}

func TestRouter_ScriptedRuleWinsOverLLM(t *testing.T) {
	rule := `function route(query, catalog) { return {server: "notes", tool: "search_notes", confidence: 1.0}; }`
	engine, err := NewScriptEngine([]string{rule}, 1)
	require.NoError(t, err)
	defer engine.Close()

	provider := &fakeProvider{out: `{"selectedServer":"files","selectedTool":"read_file","confidence":0.9}`}
	r := NewRouter(&staticSource{testCatalog()},
		WithProvider(provider),
		WithScriptEngine(engine))

	plan, err := r.Route(context.Background(), "read this file")
	require.NoError(t, err)
	assert.Equal(t, "notes", plan.ServerID)
}

func TestScriptEngine_EvaluateAfterCloseReturnsNil(t *testing.T) {
	rule := `function route(query, catalog) { return {server: "files", tool: "read_file"}; }`
	engine, err := NewScriptEngine([]string{rule}, 2)
	require.NoError(t, err)

	engine.Close()

	assert.Nil(t, engine.Evaluate("read the file", testCatalog()))

	// Closing twice is harmless
	engine.Close()
}

func TestScriptEngine_CloseDuringEvaluateDoesNotPanic(t *testing.T) {
	rule := `function route(query, catalog) { return {server: "files", tool: "read_file"}; }`
	engine, err := NewScriptEngine([]string{rule}, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			engine.Evaluate("read the file", testCatalog())
		}
	}()

	engine.Close()
	<-done
}

func TestRouter_InvalidScriptedPlanFallsThrough(t *testing.T) {
	rule := `function route(query, catalog) { return {server: "ghost", tool: "phantom"}; }`
	engine, err := NewScriptEngine([]string{rule}, 1)
	require.NoError(t, err)
	defer engine.Close()

	provider := &fakeProvider{out: `{"selectedServer":"files","selectedTool":"read_file","confidence":0.9}`}
	r := NewRouter(&staticSource{testCatalog()},
		WithProvider(provider),
		WithScriptEngine(engine))

	plan, err := r.Route(context.Background(), "read this file")
	require.NoError(t, err)
	assert.Equal(t, "files", plan.ServerID)
}
