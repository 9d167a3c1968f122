// Package tools defines the callable capabilities the agent can use and
// the registry that dispatches them.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/chozzz/vargos-sub004/internal/logging"
)

// Tool is one callable capability. Implementations must be safe for
// concurrent Execute calls: per-call state travels in ctx, never in
// fields.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds registered tools and dispatches execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute runs the named tool. Unknown names and panics become error
// results so a misbehaving tool never kills the run.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.Scoped("tools").Error("tool panicked", "tool", name, "panic", rec)
			result = Errorf("tool %s crashed: %v", name, rec)
		}
	}()

	if err := ctx.Err(); err != nil {
		return ErrorResult("cancelled").WithError(err)
	}
	return t.Execute(ctx, args)
}
