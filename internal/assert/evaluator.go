// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package assert evaluates boolean expressions over tool execution results.
//
// Expressions use the expr language with a few extra functions:
//
//	success && result.count > 0
//	has(result.content[0].text, "ok")
//	len(result.items) == 3
//	status == "completed" && durationMs < 500
package assert

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/mcp"
)

// Evaluator compiles and caches assertion expressions.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Result is the outcome of one assertion.
type Result struct {
	Passed     bool   `json:"passed"`
	Expression string `json:"expression"`
	Error      string `json:"error,omitempty"`
}

// Env exposes an execution result to expressions. Variables are result,
// status, success, error, errorCode, durationMs, server and tool.
func Env(r *mcp.ExecutionResult) map[string]any {
	return map[string]any{
		"result":     r.Result,
		"status":     string(r.Status),
		"success":    r.Success,
		"error":      r.Error,
		"errorCode":  string(r.ErrorCode),
		"durationMs": r.DurationMs,
		"server":     r.ServerName,
		"tool":       r.ToolName,
	}
}

// Evaluate runs expression against env. An empty expression passes.
func (e *Evaluator) Evaluate(expression string, env map[string]any) Result {
	res := Result{Expression: expression}
	if expression == "" {
		res.Passed = true
		return res
	}

	program, err := e.compile(expression)
	if err != nil {
		res.Error = fmt.Sprintf("failed to compile expression: %v", err)
		return res
	}

	out, err := expr.Run(program, env)
	if err != nil {
		res.Error = fmt.Sprintf("expression evaluation failed: %v", err)
		return res
	}

	passed, ok := out.(bool)
	if !ok {
		res.Error = fmt.Sprintf("expression must return boolean, got %T", out)
		return res
	}
	res.Passed = passed
	return res
}

// EvaluateResult is Evaluate over Env(r).
func (e *Evaluator) EvaluateResult(expression string, r *mcp.ExecutionResult) Result {
	return e.Evaluate(expression, Env(r))
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	opts := append(functionOptions(),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of compiled expressions held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
