package step

import (
	"context"
	"encoding/json"
	"sync"
)

// TaskHandler performs the work of a task step and returns its output.
type TaskHandler func(ctx context.Context, workflowID string, input json.RawMessage) (json.RawMessage, error)

// Registry maps task_handler names to implementations. A missing handler
// at execution time is a permanent step failure, never a retryable one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRegistry creates an empty task handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register binds name to handler, overwriting any prior registration.
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Lookup returns the handler bound to name, or ErrHandlerNotRegistered.
func (r *Registry) Lookup(name string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, ErrHandlerNotRegistered
	}
	return h, nil
}
