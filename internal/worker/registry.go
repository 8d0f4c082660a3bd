// Package worker runs domain agents against the engine: an injected executor
// registry keyed by domain, and a polling runner that claims, executes, and
// completes jobs.
package worker

import (
	"context"
	"fmt"
	"sync"

	"caseflow/internal/domain"
)

// ExecuteFunc performs one claimed job and returns its structured result.
type ExecuteFunc func(ctx context.Context, env domain.Envelope) (domain.CommandResult, error)

// Registry maps domain keys to executors. It is plain state handed to each
// runner, nothing global; tests build isolated registries per case.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecuteFunc
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]ExecuteFunc{}}
}

func (r *Registry) Register(domainKey string, fn ExecuteFunc) error {
	if domainKey == "" {
		return fmt.Errorf("domain key is required")
	}
	if fn == nil {
		return fmt.Errorf("executor for %s is nil", domainKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[domainKey] = fn
	return nil
}

func (r *Registry) Get(domainKey string) (ExecuteFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[domainKey]
	return fn, ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.executors))
	for k := range r.executors {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = map[string]ExecuteFunc{}
}
