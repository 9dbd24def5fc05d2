package engine

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/crewline/crewline/pkg/schema"
)

// conditionEvaluator evaluates optional per-step condition expressions
// against the run context. Compiled programs are cached and reused.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Eval compiles (or retrieves from cache) a condition expression and evaluates
// it with the run context entries as top-level variables. The result must be a
// boolean.
func (c *conditionEvaluator) Eval(expression string, runCtx map[string]string) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := c.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(runCtx))
	for k, v := range runCtx {
		env[k] = v
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean (got %T)", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (c *conditionEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prg, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := c.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid condition expression %q: %s", expression, err.Error()).WithCause(err)
	}
	c.cache[expression] = prg
	return prg, nil
}
