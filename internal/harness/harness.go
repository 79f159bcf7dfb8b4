// Package harness captures events delivered to the collector and hands them
// to a consumer one at a time, in arrival order.
//
// Producers call Accept from any goroutine; Accept never waits for the
// consumer. The consumer calls Wait or WaitForEvent, which block until an
// event is buffered or the deadline passes. The buffer is unbounded.
//
// Several goroutines may wait at once. Each buffered event goes to exactly
// one of them; there is no fan-out.
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is used by WaitForEvent when no positive timeout is given.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when no event arrived before the deadline.
	ErrTimeout = errors.New("harness: timed out waiting for event")
	// ErrClosed is returned once the harness has been closed.
	ErrClosed = errors.New("harness: closed")
)

// DecodeError reports inbound bytes that could not be parsed into an event.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("harness: cannot decode event (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithClock sets the source of ReceivedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

// WithObserver registers fn to see every accepted payload, in buffer order.
// fn runs while the buffer is locked and must not call back into the harness.
func WithObserver(fn func(*EventPayload)) Option {
	return func(h *Harness) { h.observer = fn }
}

// WithDefaultTimeout overrides DefaultTimeout for this harness.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// Harness is the capture buffer.
type Harness struct {
	logger   *slog.Logger
	now      func() time.Time
	observer func(*EventPayload)
	timeout  time.Duration

	mu       sync.Mutex
	events   []*EventPayload
	notify   chan struct{} // closed and replaced on every append
	closed   bool
	accepted uint64
}

// New creates an empty harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		timeout: DefaultTimeout,
		notify:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Accept parses the framing of raw and appends the event to the buffer.
// The parameter tree is only validated, not decoded. Bytes that do not form a
// JSON object yield a *DecodeError and leave the buffer untouched. A frame
// without an event type is accepted with the type absent.
func (h *Harness) Accept(raw []byte) (*EventPayload, error) {
	p, err := h.parse(raw)
	if err != nil {
		h.logger.Warn("rejected event", "bytes", len(raw), "err", err)
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.events = append(h.events, p)
	h.accepted++
	close(h.notify)
	h.notify = make(chan struct{})
	if h.observer != nil {
		h.observer(p)
	}
	h.mu.Unlock()

	eventType, _ := p.EventType()
	h.logger.Debug("event accepted", "id", p.ID, "event_type", eventType)
	return p, nil
}

// Deliver accepts frame. It lets a Harness act as the tracker's sink.
func (h *Harness) Deliver(frame []byte) error {
	_, err := h.Accept(frame)
	return err
}

func (h *Harness) parse(raw []byte) (*EventPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Size: len(raw), Err: errors.New("event frame must be a JSON object")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &DecodeError{Size: len(raw), Err: err}
	}

	eventType, hasType := stringField(fields, "eventType")
	if eventType == "" {
		hasType = false
	}
	id, _ := stringField(fields, "eventId")
	if id == "" {
		id = uuid.NewString()
	}
	pageViewID, _ := stringField(fields, "pageViewId")

	var rawParams []byte
	if rp, ok := fields["parameters"]; ok && string(rp) != "null" {
		rawParams = bytes.Clone(rp)
	}

	return newPayload(id, pageViewID, eventType, hasType, rawParams, h.now()), nil
}

// stringField returns fields[key] when it holds a JSON string.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	rv, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(rv, &s); err != nil {
		return "", false
	}
	return s, true
}

// Wait blocks until an event is buffered, then removes and returns the oldest
// one. When ctx passes its deadline first, the error wraps ErrTimeout; when ctx
// is cancelled, the error is ctx.Err().
func (h *Harness) Wait(ctx context.Context) (*EventPayload, error) {
	for {
		h.mu.Lock()
		if p := h.popLocked(); p != nil {
			h.mu.Unlock()
			return p, nil
		}
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		ch := h.notify
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			h.mu.Lock()
			p := h.popLocked()
			h.mu.Unlock()
			if p != nil {
				return p, nil
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		}
	}
}

// WaitForEvent waits at most timeout for the next event. A non-positive
// timeout means the harness default.
func (h *Harness) WaitForEvent(timeout time.Duration) (*EventPayload, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Wait(ctx)
}

func (h *Harness) popLocked() *EventPayload {
	if len(h.events) == 0 {
		return nil
	}
	p := h.events[0]
	h.events[0] = nil
	h.events = h.events[1:]
	return p
}

// Drain removes and returns every buffered event without waiting.
func (h *Harness) Drain() []*EventPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

// Len returns the number of buffered events.
func (h *Harness) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// Accepted returns the number of events accepted since creation or the last Reset.
func (h *Harness) Accepted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// Reset drops buffered events and clears the accepted counter.
func (h *Harness) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
	h.accepted = 0
}

// Close rejects further events and wakes every waiter with ErrClosed once the
// buffer is empty.
func (h *Harness) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
	h.notify = make(chan struct{})
}

// DefaultWait returns the timeout WaitForEvent uses for non-positive values.
func (h *Harness) DefaultWait() time.Duration {
	return h.timeout
}
