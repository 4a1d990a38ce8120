package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task is what a Handler receives for one leased invocation.
type Task struct {
	TaskID   string
	Handler  string
	Args     json.RawMessage
	RunAt    time.Time
	Attempt  int
	Revision string
}

// Decode unmarshals the task arguments into v.
func (t Task) Decode(v any) error {
	if len(t.Args) == 0 {
		return fmt.Errorf("task %s has no args", t.TaskID)
	}
	if err := json.Unmarshal(t.Args, v); err != nil {
		return fmt.Errorf("decode args for %s: %w", t.TaskID, err)
	}
	return nil
}

// Handler executes tasks registered under Name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, task Task) error
}

// Registry maps handler names to handlers.
type Registry struct {
	handlers map[string]Handler
	order    []string
}

// NewRegistry builds a registry preloaded with the provided handlers.
func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{handlers: map[string]Handler{}}
	for _, h := range handlers {
		registry.Register(h)
	}
	return registry
}

// Register adds a handler; a later registration under the same name wins.
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	if _, ok := r.handlers[h.Name()]; !ok {
		r.order = append(r.order, h.Name())
	}
	r.handlers[h.Name()] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
