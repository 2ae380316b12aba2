package choreo

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// celCache compiles CEL expressions once and reuses the programs. Programs
// are thread-safe; the cache uses double-checked locking around compilation.
type celCache struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newCELCache() *celCache {
	env, err := cel.NewEnv(
		cel.Variable("variables", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("choreo: building CEL environment: %v", err))
	}
	return &celCache{env: env, programs: make(map[string]cel.Program)}
}

func (c *celCache) program(expression string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %v: %w", expression, issues.Err(), contracts.ErrInvalidArgument)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expression, err)
	}
	c.programs[expression] = prg
	return prg, nil
}

// evalCondition decides whether a step runs. A CEL expression, when present,
// wins over the typed comparison.
func (e *Engine) evalCondition(cond *contracts.ExecutionCondition, ctx *contracts.ExecutionContext) (bool, error) {
	if cond.Expression != "" {
		return e.evalExpression(cond.Expression, ctx)
	}
	return evalComparison(cond, ctx)
}

func (e *Engine) evalExpression(expression string, ctx *contracts.ExecutionContext) (bool, error) {
	prg, err := e.cel.program(expression)
	if err != nil {
		return false, err
	}

	steps := make(map[string]any, len(ctx.StepOutputs))
	for id, outputs := range ctx.StepOutputs {
		steps[id] = outputs
	}
	out, _, err := prg.Eval(map[string]any{
		"variables": ctx.Variables,
		"steps":     steps,
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q yields %T, want bool: %w", expression, out.Value(), contracts.ErrInvalidArgument)
	}
	return result, nil
}

// evalComparison applies a typed comparison. The variable resolves from the
// execution's variables first, then the flattened step outputs; an absent
// variable fails the condition rather than erroring.
func evalComparison(cond *contracts.ExecutionCondition, ctx *contracts.ExecutionContext) (bool, error) {
	actual, found := lookupVariable(ctx, cond.Variable)

	switch cond.Operator {
	case contracts.OpEq:
		return found && compareEqual(actual, cond.Value), nil
	case contracts.OpNeq:
		return !found || !compareEqual(actual, cond.Value), nil
	case contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte:
		if !found {
			return false, nil
		}
		a, aok := asFloat(actual)
		b, bok := asFloat(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Operator {
		case contracts.OpGt:
			return a > b, nil
		case contracts.OpGte:
			return a >= b, nil
		case contracts.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case contracts.OpIn, contracts.OpNotIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("operator %s needs a list value: %w", cond.Operator, contracts.ErrInvalidArgument)
		}
		member := false
		if found {
			for _, item := range list {
				if compareEqual(actual, item) {
					member = true
					break
				}
			}
		}
		if cond.Operator == contracts.OpIn {
			return member, nil
		}
		return !member, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q: %w", cond.Operator, contracts.ErrInvalidArgument)
	}
}

func lookupVariable(ctx *contracts.ExecutionContext, name string) (any, bool) {
	if v, ok := ctx.Variables[name]; ok {
		return v, true
	}
	for _, outputs := range ctx.StepOutputs {
		if v, ok := outputs[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func compareEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
