package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Handler interface {
	Type() Type
	Run(ctx context.Context, job *Job) error
}

type registration struct {
	handler Handler
	slots   chan struct{}
}

// Registry maps job types to handlers and owns the per-type concurrency
// slots shared by every worker of one dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]*registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]*registration)}
}

// Register adds h with at most concurrency simultaneous executions.
func (r *Registry) Register(h Handler, concurrency int) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job type %s", t)
	}
	r.handlers[t] = &registration{handler: h, slots: make(chan struct{}, concurrency)}
	return nil
}

func (r *Registry) Get(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[t]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// acquireFree takes one slot from every type that has capacity and returns
// those types in a stable order.
func (r *Registry) acquireFree() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Type
	for t, reg := range r.handlers {
		select {
		case reg.slots <- struct{}{}:
			out = append(out, t)
		default:
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) release(t Type) {
	r.mu.RLock()
	reg, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case <-reg.slots:
	default:
	}
}

// InFlight reports the executions currently holding a slot for t.
func (r *Registry) InFlight(t Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[t]
	if !ok {
		return 0
	}
	return len(reg.slots)
}
