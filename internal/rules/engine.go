// Package rules compiles and evaluates CEL compliance expressions attached
// to country rules.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Engine compiles CEL expressions once and evaluates them against a tap.
// Expressions must return bool; true means the tap is blocked.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	programs   map[string]cel.Program
	maxWorkers int
}

// Input is the tap context exposed to compliance expressions.
type Input struct {
	MembershipType string
	CountryCode    string
	VendorCategory string
	VendorCity     string
	At             time.Time
}

// Verdict is the outcome of evaluating a rule's expressions.
type Verdict struct {
	Blocked    bool
	Expression string // first blocking expression, in list order
}

// NewEngine creates a compliance expression engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("membership_type", cel.StringType),
		cel.Variable("country_code", cel.StringType),
		cel.Variable("vendor_category", cel.StringType),
		cel.Variable("vendor_city", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("date", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		programs:   make(map[string]cel.Program),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles expressions without caching them.
func (e *Engine) Validate(exprs []string) error {
	for _, expr := range exprs {
		if _, err := e.compile(expr); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs every expression in parallel. Any compile or evaluation
// error is returned; the caller decides how to fail.
func (e *Engine) Evaluate(ctx context.Context, exprs []string, input Input) (Verdict, error) {
	if len(exprs) == 0 {
		return Verdict{}, nil
	}

	programs := make([]cel.Program, len(exprs))
	for i, expr := range exprs {
		prg, err := e.program(expr)
		if err != nil {
			return Verdict{}, err
		}
		programs[i] = prg
	}

	activation := map[string]any{
		"membership_type": input.MembershipType,
		"country_code":    input.CountryCode,
		"vendor_category": input.VendorCategory,
		"vendor_city":     input.VendorCity,
		"hour":            int64(input.At.Hour()),
		"weekday":         int64(input.At.Weekday()),
		"date":            input.At.Format("2006-01-02"),
	}

	blocked := make([]bool, len(programs))
	errs := make([]error, len(programs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, prg := range programs {
		wg.Add(1)
		go func(idx int, p cel.Program) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := p.ContextEval(ctx, activation)
			if err != nil {
				errs[idx] = fmt.Errorf("compliance expression %q: %w", exprs[idx], err)
				return
			}
			b, ok := out.(types.Bool)
			if !ok {
				errs[idx] = fmt.Errorf("compliance expression %q returned %s, want bool", exprs[idx], out.Type())
				return
			}
			blocked[idx] = bool(b)
		}(i, prg)
	}
	wg.Wait()

	for i := range programs {
		if errs[i] != nil {
			return Verdict{}, errs[i]
		}
		if blocked[i] {
			return Verdict{Blocked: true, Expression: exprs[i]}, nil
		}
	}
	return Verdict{}, nil
}

// CompiledCount returns the number of cached programs.
func (e *Engine) CompiledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close drops every cached program.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile compliance expression %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("compliance expression %q must return bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}
	return prg, nil
}
