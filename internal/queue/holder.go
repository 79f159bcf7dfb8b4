package queue

import (
	"fmt"
	"sync"
)

// Holder is the plain array-like value page code creates when it pushes calls
// before any queue code has run. It only appends. Once a Queue adopts it, the
// holder forwards every later push to that queue.
type Holder struct {
	mu    sync.Mutex
	calls []Call
	owner *Queue
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Enqueue appends c, or hands it to the adopting queue.
func (h *Holder) Enqueue(c Call) {
	h.mu.Lock()
	if q := h.owner; q != nil {
		h.mu.Unlock()
		q.Enqueue(c)
		return
	}
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

// Push is shorthand for Enqueue(Call{Method: method, Args: args}).
func (h *Holder) Push(method string, args ...any) {
	h.Enqueue(Call{Method: method, Args: args})
}

// Len returns the number of calls held and not yet adopted.
func (h *Holder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Adopted reports whether a queue has taken over the holder's calls.
func (h *Holder) Adopted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner != nil
}

// Scope is the page's global scope.
type Scope interface {
	Lookup(name string) (any, bool)
	Publish(name string, v any) error
}

// MapScope is an in-memory Scope.
type MapScope struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewScope returns an empty scope.
func NewScope() *MapScope {
	return &MapScope{vars: make(map[string]any)}
}

// Lookup returns the value bound to name.
func (s *MapScope) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Publish binds v to name.
func (s *MapScope) Publish(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = v
	return nil
}

// Attach returns the handle bound to name, creating a plain Holder when the
// name is unbound. It is the Go form of `divolte = divolte || []`.
func Attach(scope Scope, name string) (Handle, error) {
	if v, ok := scope.Lookup(name); ok {
		if h, ok := v.(Handle); ok {
			return h, nil
		}
	}
	h := NewHolder()
	if err := scope.Publish(name, h); err != nil {
		return nil, fmt.Errorf("queue: publishing %s: %w", name, err)
	}
	return h, nil
}

// StateOf reports the lifecycle state of whatever is bound to name.
func StateOf(scope Scope, name string) State {
	v, ok := scope.Lookup(name)
	if !ok {
		return Absent
	}
	if q, ok := v.(*Queue); ok {
		return q.State()
	}
	return Absent
}
