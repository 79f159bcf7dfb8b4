// Package page runs page scripts in a JavaScript runtime. It installs the
// tracking queue under a global name and provides a tracker that turns queued
// calls into event frames for a Sink.
//
// A Page is bound to one goroutine at a time, like a browser page is bound to
// its script thread.
package page

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/aspruds/divolte-collector/internal/queue"
)

// DefaultGlobalName is the global the tracking queue lives under.
const DefaultGlobalName = "divolte"

// ErrTrackerLoaded is returned when the tracker is loaded a second time.
var ErrTrackerLoaded = errors.New("page: tracker already loaded")

// Sink receives encoded event frames.
type Sink interface {
	Deliver(frame []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame []byte) error

// Deliver calls f(frame).
func (f SinkFunc) Deliver(frame []byte) error { return f(frame) }

// Options configures a Page.
type Options struct {
	GlobalName string
	Sink       Sink
	Logger     *slog.Logger
	PageViewID string
}

// Page is one loaded page.
type Page struct {
	vm         *goja.Runtime
	name       string
	sink       Sink
	logger     *slog.Logger
	pageViewID string

	queues  map[*goja.Object]*queue.Queue
	queue   *queue.Queue
	tracker *Tracker
}

// New creates a page with an empty global scope. The global object is also
// reachable as `window`.
func New(opts Options) (*Page, error) {
	if opts.GlobalName == "" {
		opts.GlobalName = DefaultGlobalName
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func([]byte) error { return nil })
	}
	if opts.PageViewID == "" {
		opts.PageViewID = uuid.NewString()
	}

	vm := goja.New()
	if err := vm.Set("window", vm.GlobalObject()); err != nil {
		return nil, fmt.Errorf("page: binding window: %w", err)
	}

	return &Page{
		vm:         vm,
		name:       opts.GlobalName,
		sink:       opts.Sink,
		logger:     opts.Logger.With("page_view_id", opts.PageViewID),
		pageViewID: opts.PageViewID,
		queues:     make(map[*goja.Object]*queue.Queue),
	}, nil
}

// Run executes src as a page script.
func (p *Page) Run(src string) error {
	if _, err := p.vm.RunString(src); err != nil {
		return fmt.Errorf("page: running script: %w", err)
	}
	return nil
}

// InstallQueue installs the tracking queue under the global name. Calls that
// page code pushed onto a plain array beforehand are adopted in order, and
// later pushes onto that array are forwarded to the queue. Installing again
// leaves the existing queue in place.
func (p *Page) InstallQueue() error {
	var (
		q          *queue.Queue
		installErr error
	)
	if err := p.try(func() {
		q, installErr = queue.Install(&jsScope{page: p}, p.name, p.logger)
	}); err != nil {
		return fmt.Errorf("page: installing queue: %w", err)
	}
	if installErr != nil {
		return fmt.Errorf("page: installing queue: %w", installErr)
	}
	p.queue = q
	return nil
}

// LoadTracker finishes loading the tracking library: the queue is installed
// if page code has not done so, the tracker fires the pageView event, and
// then the queued calls are replayed.
func (p *Page) LoadTracker() error {
	if p.tracker != nil {
		return ErrTrackerLoaded
	}
	if err := p.InstallQueue(); err != nil {
		return err
	}

	t := newTracker(p.sink, p.pageViewID, p.logger)
	p.tracker = t
	t.Invoke("pageView", nil)

	if err := p.queue.Ready(t); err != nil {
		return fmt.Errorf("page: activating tracker: %w", err)
	}
	return nil
}

// Call invokes the global function fn with args converted to JavaScript
// values, the way an event handler on the page would run.
func (p *Page) Call(fn string, args ...any) error {
	callable, ok := goja.AssertFunction(p.vm.Get(fn))
	if !ok {
		return fmt.Errorf("page: %s is not a function", fn)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = p.vm.ToValue(a)
	}
	if _, err := callable(goja.Undefined(), jsArgs...); err != nil {
		return fmt.Errorf("page: calling %s: %w", fn, err)
	}
	return nil
}

// State reports the lifecycle state of the tracking queue.
func (p *Page) State() queue.State {
	if p.queue == nil {
		return queue.Absent
	}
	return p.queue.State()
}

// PageViewID returns the page view identifier sent with every event.
func (p *Page) PageViewID() string { return p.pageViewID }

// DeliveryErrors returns the errors the sink reported so far.
func (p *Page) DeliveryErrors() []error {
	if p.tracker == nil {
		return nil
	}
	return p.tracker.Errors()
}

// try runs fn and converts a thrown JavaScript exception into an error.
func (p *Page) try(fn func()) error {
	if ex := p.vm.Try(fn); ex != nil {
		return ex
	}
	return nil
}

// queueObject builds the JavaScript face of q.
func (p *Page) queueObject(q *queue.Queue) (*goja.Object, error) {
	obj := p.vm.NewObject()
	err := obj.Set("push", func(call goja.FunctionCall) goja.Value {
		for _, entry := range call.Arguments {
			c, err := toCall(entry)
			if err != nil {
				panic(p.vm.NewTypeError("%s", err.Error()))
			}
			q.Enqueue(c)
		}
		return p.vm.ToValue(q.Len())
	})
	if err != nil {
		return nil, err
	}
	err = obj.Set("signal", func(call goja.FunctionCall) goja.Value {
		rest := call.Arguments
		if len(rest) > 0 {
			rest = rest[1:]
		}
		c, err := makeCall(call.Argument(0), func(yield func(goja.Value) bool) {
			for _, a := range rest {
				if !yield(a) {
					return
				}
			}
		})
		if err != nil {
			panic(p.vm.NewTypeError("%s", err.Error()))
		}
		q.Enqueue(c)
		return goja.Undefined()
	})
	if err != nil {
		return nil, err
	}
	err = obj.DefineAccessorProperty("length", p.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return p.vm.ToValue(q.Len())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	if err != nil {
		return nil, err
	}
	p.queues[obj] = q
	return obj, nil
}

// jsScope exposes the page's global object as a queue.Scope.
type jsScope struct {
	page *Page

	array  *goja.Object
	holder *queue.Holder
}

func (s *jsScope) Lookup(name string) (any, bool) {
	v := s.page.vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export(), true
	}
	if q, ok := s.page.queues[obj]; ok {
		return q, true
	}
	if obj.ClassName() != "Array" {
		return obj, true
	}

	h := queue.NewHolder()
	n := obj.Get("length").ToInteger()
	for i := int64(0); i < n; i++ {
		entry := obj.Get(fmt.Sprint(i))
		c, err := toCall(entry)
		if err != nil {
			s.page.logger.Warn("skipping malformed queue entry", "index", i, "err", err)
			continue
		}
		h.Enqueue(c)
	}
	s.array, s.holder = obj, h
	return h, true
}

func (s *jsScope) Publish(name string, v any) error {
	q, ok := v.(*queue.Queue)
	if !ok {
		return s.page.vm.Set(name, v)
	}
	obj, err := s.page.queueObject(q)
	if err != nil {
		return err
	}
	if err := s.page.vm.Set(name, obj); err != nil {
		return err
	}

	// Code holding the old array keeps pushing onto it.
	if s.array != nil && s.holder.Adopted() {
		return s.array.Set("push", obj.Get("push"))
	}
	return nil
}
