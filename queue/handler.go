package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rival_scrooper/models"
)

// Handler executes one task type. A returned error schedules a retry until
// the task's attempts run out.
type Handler interface {
	Handle(ctx context.Context, task *models.Task) error
	Name() string
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, task *models.Task) error
}

func (h handlerFunc) Handle(ctx context.Context, task *models.Task) error { return h.fn(ctx, task) }
func (h handlerFunc) Name() string                                       { return h.name }

// HandlerFunc adapts a function to a Handler.
func HandlerFunc(name string, fn func(ctx context.Context, task *models.Task) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

// Registry routes tasks to handlers by type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register panics if a handler is already registered under the same name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Name()]; exists {
		panic(fmt.Sprintf("handler already registered for task type: %s", h.Name()))
	}
	r.handlers[h.Name()] = h
}

func (r *Registry) Get(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
