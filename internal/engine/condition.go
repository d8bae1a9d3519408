package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator checks a rule's optional guard expression.
type ConditionEvaluator interface {
	EvaluateBool(expression string, env map[string]any) (bool, error)
}

// ExprLangEvaluator uses expr-lang/expr for safe expression evaluation.
// Compiled programs are cached by expression string.
type ExprLangEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprLangEvaluator() *ExprLangEvaluator {
	return &ExprLangEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Compile checks that an expression compiles to a boolean program.
func (e *ExprLangEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprLangEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *ExprLangEvaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	isTrue, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return isTrue, nil
}

// conditionEnv builds the environment a guard expression sees.
func conditionEnv(p Pair, ev SourceEvent) map[string]any {
	env := map[string]any{
		"source":    ev.Record.Map(),
		"old":       nil,
		"target_id": p.TargetID,
		"relation": map[string]any{
			"id":          p.Relation.ID,
			"type":        string(p.Relation.RelationType),
			"source_type": p.Relation.SourceType,
			"target_type": p.Relation.TargetType,
			"global":      p.Relation.IsGlobal(),
		},
	}
	if ev.Old != nil {
		env["old"] = ev.Old.Map()
	}
	return env
}
