package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// ScriptEngine evaluates user-defined routing rules written in
// JavaScript. Each rule defines a route(query, catalog) function that
// returns a plan object or null. Rules run in order; the first plan wins.
// VMs are pooled and pre-warmed.
type ScriptEngine struct {
	rules []compiledRule
	pool  chan *goja.Runtime
	size  int

	mu     sync.Mutex
	closed bool
}

type compiledRule struct {
	source string
	prog   *goja.Program
}

// NewScriptEngine compiles the rule sources and warms the VM pool.
// A rule that doesn't compile is rejected outright.
func NewScriptEngine(rules []string, poolSize int) (*ScriptEngine, error) {
	if poolSize <= 0 {
		poolSize = 2
	}

	e := &ScriptEngine{
		pool: make(chan *goja.Runtime, poolSize),
		size: poolSize,
	}

	for i, src := range rules {
		prog, err := goja.Compile(fmt.Sprintf("rule-%d", i), src, true)
		if err != nil {
			return nil, fmt.Errorf("rule %d does not compile: %w", i, err)
		}
		e.rules = append(e.rules, compiledRule{source: src, prog: prog})
	}

	for i := 0; i < poolSize; i++ {
		e.pool <- e.createVM()
	}

	log.Info().
		Int("rules", len(e.rules)).
		Int("pool_size", poolSize).
		Msg("Script engine initialized")

	return e, nil
}

// createVM builds a locked-down runtime.
func (e *ScriptEngine) createVM() *goja.Runtime {
	vm := goja.New()

	// Disable dangerous globals
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())
	vm.SetMaxCallStackSize(1000)

	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		log.Debug().Interface("args", args).Msg("rule console.log")
		return goja.Undefined()
	})
	vm.Set("console", console)

	return vm
}

// acquire gets a VM from the pool, creating an emergency one if the pool
// is starved.
func (e *ScriptEngine) acquire() *goja.Runtime {
	select {
	case vm := <-e.pool:
		return vm
	case <-time.After(time.Second):
		log.Warn().Msg("Script VM pool exhausted, creating emergency VM")
		return e.createVM()
	}
}

// release returns a VM to the pool. VMs handed back after Close are
// discarded.
func (e *ScriptEngine) release(vm *goja.Runtime) {
	vm.ClearInterrupt()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.pool <- vm:
	default:
		// Pool full, discard
	}
}

// Evaluate runs the rules in order and returns the first plan produced,
// or nil when no rule claims the query. A crashing rule is skipped.
// A closed engine declines every query; an evaluation racing Close
// finishes on its own VM.
func (e *ScriptEngine) Evaluate(query string, catalog *types.Catalog) *types.RoutingPlan {
	if len(e.rules) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	vm := e.acquire()
	defer e.release(vm)

	// Rules see a plain-data view of the catalog
	catalogView := catalogToScript(catalog)

	for i, rule := range e.rules {
		plan := e.runRule(vm, rule, i, query, catalogView)
		if plan != nil {
			return plan
		}
	}
	return nil
}

func (e *ScriptEngine) runRule(vm *goja.Runtime, rule compiledRule, idx int, query string, catalogView interface{}) *types.RoutingPlan {
	// Each rule gets a clean route binding
	vm.Set("route", goja.Undefined())

	if _, err := vm.RunProgram(rule.prog); err != nil {
		log.Warn().Err(err).Int("rule", idx).Msg("Routing rule failed to run")
		return nil
	}

	routeFn, ok := goja.AssertFunction(vm.Get("route"))
	if !ok {
		log.Warn().Int("rule", idx).Msg("Routing rule defines no route function")
		return nil
	}

	timer := time.AfterFunc(500*time.Millisecond, func() {
		vm.Interrupt("rule timeout")
	})
	result, err := routeFn(goja.Undefined(), vm.ToValue(query), vm.ToValue(catalogView))
	timer.Stop()
	vm.ClearInterrupt()

	if err != nil {
		log.Warn().Err(err).Int("rule", idx).Msg("Routing rule threw")
		return nil
	}
	if result == nil || goja.IsNull(result) || goja.IsUndefined(result) {
		return nil
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		log.Warn().Int("rule", idx).Msg("Routing rule returned a non-object")
		return nil
	}

	plan := &types.RoutingPlan{
		Intent:     query,
		Reasoning:  "scripted rule",
		Confidence: 1.0,
	}
	if v, ok := exported["server"].(string); ok {
		plan.ServerID = v
	}
	if v, ok := exported["tool"].(string); ok {
		plan.Tool = v
	}
	if v, ok := exported["parameters"].(map[string]interface{}); ok {
		plan.Parameters = v
	}
	if v, ok := exported["confidence"].(float64); ok {
		plan.Confidence = v
	}
	if v, ok := exported["reasoning"].(string); ok {
		plan.Reasoning = v
	}

	if plan.Empty() {
		return nil
	}
	return plan
}

// catalogToScript flattens the catalog for rule consumption.
func catalogToScript(catalog *types.Catalog) []map[string]interface{} {
	var out []map[string]interface{}
	for _, srv := range catalog.Servers {
		tools := make([]map[string]interface{}, 0, len(srv.Tools))
		for _, t := range srv.Tools {
			tools = append(tools, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
			})
		}
		out = append(out, map[string]interface{}{
			"id":     srv.ServerID,
			"status": string(srv.Status),
			"tools":  tools,
		})
	}
	return out
}

// Close drains the pool. The channel stays open so an in-flight acquire
// never sees a nil VM; it falls through to an emergency one instead.
func (e *ScriptEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for {
		select {
		case <-e.pool:
		default:
			return
		}
	}
}
