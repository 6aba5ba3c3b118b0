// Package script evaluates the JavaScript snippets a process definition may
// carry: flow condition expressions and script-task bodies.
package script

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// Runtime is a pool of goja VMs. VMs are reused across evaluations; every
// snippet runs inside a function scope with the variable context passed as an
// argument, so nothing leaks into the shared global object.
type Runtime struct {
	pool sync.Pool
}

func NewRuntime() *Runtime {
	return &Runtime{
		pool: sync.Pool{
			New: func() any { return goja.New() },
		},
	}
}

// EvaluateCondition evaluates a flow condition over the variable context. The
// expression must produce a boolean; anything else is an evaluation error.
func (r *Runtime) EvaluateCondition(expression string, variables map[string]interface{}) (bool, error) {
	wrapped := fmt.Sprintf("(function(vars){ with (vars) { return (%s); } })(__vars)", expression)
	value, err := r.run(wrapped, variables)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expression, err)
	}
	result, ok := value.Export().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %v", expression, value.Export())
	}
	return result, nil
}

// RunScript executes a script-task body. The body runs as a function with the
// variable context bound to vars; it may mutate vars and may return an object
// whose entries are merged on top. The merged variable map is returned.
func (r *Runtime) RunScript(body string, variables map[string]interface{}) (map[string]interface{}, error) {
	scope := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		scope[k] = v
	}
	wrapped := fmt.Sprintf("(function(vars){ %s\n })(__vars)", body)
	value, err := r.run(wrapped, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	if returned, ok := value.Export().(map[string]interface{}); ok {
		for k, v := range returned {
			scope[k] = v
		}
	}
	return scope, nil
}

func (r *Runtime) run(src string, variables map[string]interface{}) (goja.Value, error) {
	vm := r.pool.Get().(*goja.Runtime)
	defer r.pool.Put(vm)

	if err := vm.Set("__vars", variables); err != nil {
		return nil, err
	}
	value, err := vm.RunString(src)
	vm.Set("__vars", goja.Undefined())
	if err != nil {
		return nil, err
	}
	return value, nil
}
