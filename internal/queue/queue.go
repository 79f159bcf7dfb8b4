// Package queue implements the call queue that stands in for the tracking API
// until the tracking library has loaded.
//
// Page code may push calls at any time: before any queue code ran (onto a plain
// Holder), after the shim was installed, or after the library became active. In
// every case the calls reach the library exactly once and in the order they were
// made.
package queue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrAlreadyActive is returned by Ready when the library was already handed the queue.
	ErrAlreadyActive = errors.New("queue: tracking library already active")
	// ErrNilAPI is returned by Ready when no API is supplied.
	ErrNilAPI = errors.New("queue: nil tracking API")
)

// Call is a deferred invocation of a tracking method.
type Call struct {
	Method string
	Args   []any
}

// API is the real tracking API the queue replays calls against.
type API interface {
	Invoke(method string, args []any)
}

// APIFunc adapts a function to the API interface.
type APIFunc func(method string, args []any)

// Invoke calls f(method, args).
func (f APIFunc) Invoke(method string, args []any) { f(method, args) }

// Handle is anything page code can push calls onto: a Holder or a Queue.
type Handle interface {
	Enqueue(c Call)
}

// State is the lifecycle state of a queue.
type State int

const (
	Absent State = iota
	ShimInstalled
	LibraryActive
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case ShimInstalled:
		return "shim-installed"
	case LibraryActive:
		return "library-active"
	default:
		return "unknown"
	}
}

// Queue buffers calls until Ready hands it the real API, and forwards
// directly afterwards.
type Queue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending []Call
	api     API
}

func newQueue(name string, logger *slog.Logger) *Queue {
	return &Queue{
		name:   name,
		logger: logger,
		state:  ShimInstalled,
	}
}

// Install makes a queue available under name in scope and returns it.
//
// If scope already holds a queue it is returned unchanged, so running the
// installation twice never creates a second buffer. If scope holds a plain
// Holder, its calls are moved into the new queue in order and the holder
// forwards any later pushes to it. Install runs on the page's script thread.
func Install(scope Scope, name string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	existing, ok := scope.Lookup(name)
	if ok {
		switch h := existing.(type) {
		case *Queue:
			logger.Debug("queue already installed", "name", name, "state", h.State())
			return h, nil
		case *Holder:
			q := newQueue(name, logger)
			n := q.adopt(h)
			if err := scope.Publish(name, q); err != nil {
				return nil, fmt.Errorf("queue: publishing %s: %w", name, err)
			}
			logger.Debug("queue adopted holder", "name", name, "calls", n)
			return q, nil
		default:
			logger.Warn("replacing unrecognised global", "name", name)
		}
	}

	q := newQueue(name, logger)
	if err := scope.Publish(name, q); err != nil {
		return nil, fmt.Errorf("queue: publishing %s: %w", name, err)
	}
	logger.Debug("queue installed", "name", name)
	return q, nil
}

// adopt moves the holder's buffered calls into q. The holder is retired and
// forwards later pushes to q.
func (q *Queue) adopt(h *Holder) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, h.calls...)
	q.mu.Unlock()

	n := len(h.calls)
	h.calls = nil
	h.owner = q
	return n
}

// Enqueue forwards c to the library when it is active, and buffers it otherwise.
func (q *Queue) Enqueue(c Call) {
	q.mu.Lock()
	if q.state == LibraryActive {
		api := q.api
		q.mu.Unlock()
		api.Invoke(c.Method, c.Args)
		return
	}
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

// Push is shorthand for Enqueue(Call{Method: method, Args: args}).
func (q *Queue) Push(method string, args ...any) {
	q.Enqueue(Call{Method: method, Args: args})
}

// Ready hands the queue to the real API. Buffered calls are replayed in FIFO
// order. The queue switches to direct forwarding before the replay starts, so
// a call made while the replay runs (including from inside api.Invoke) is
// forwarded immediately and never buffered again. For a call pushed from
// another goroutine during the replay, only delivery is guaranteed: it may
// reach the API before buffered calls that have not been replayed yet.
func (q *Queue) Ready(api API) error {
	if api == nil {
		return ErrNilAPI
	}

	q.mu.Lock()
	if q.state == LibraryActive {
		q.mu.Unlock()
		return ErrAlreadyActive
	}
	batch := q.pending
	q.pending = nil
	q.api = api
	q.state = LibraryActive
	q.mu.Unlock()

	for _, c := range batch {
		api.Invoke(c.Method, c.Args)
	}
	q.logger.Debug("queue drained", "name", q.name, "calls", len(batch))
	return nil
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of calls waiting for the library.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the buffered calls.
func (q *Queue) Pending() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Call, len(q.pending))
	copy(out, q.pending)
	return out
}

// Name returns the global name the queue was installed under.
func (q *Queue) Name() string { return q.name }
