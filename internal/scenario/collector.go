package scenario

import (
	"context"
	"time"

	"github.com/aspruds/divolte-collector/internal/client"
	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/page"
	"github.com/aspruds/divolte-collector/internal/params"
)

// Observed is a received event as scenarios see it.
type Observed struct {
	Type       string
	HasType    bool
	PageViewID string
	Params     params.Value // nil when the event carried none
}

func (o *Observed) describe() string {
	if !o.HasType {
		return "untyped event"
	}
	return "event " + o.Type
}

// Collector receives a scenario page's events and hands them back for
// checking.
type Collector interface {
	page.Sink
	// Next removes and returns the oldest received event. When none arrives
	// within timeout the error wraps harness.ErrTimeout.
	Next(timeout time.Duration) (*Observed, error)
	// Reset drops everything received so far.
	Reset() error
}

// LocalCollector runs scenarios against an in-process harness.
type LocalCollector struct {
	h *harness.Harness
}

// NewLocalCollector creates a collector backed by h.
func NewLocalCollector(h *harness.Harness) *LocalCollector {
	return &LocalCollector{h: h}
}

// Deliver implements page.Sink.
func (c *LocalCollector) Deliver(frame []byte) error { return c.h.Deliver(frame) }

// Next implements Collector.
func (c *LocalCollector) Next(timeout time.Duration) (*Observed, error) {
	p, err := c.h.WaitForEvent(timeout)
	if err != nil {
		return nil, err
	}
	v, err := p.Parameters()
	if err != nil {
		return nil, err
	}
	typ, ok := p.EventType()
	return &Observed{Type: typ, HasType: ok, PageViewID: p.PageViewID, Params: v}, nil
}

// Reset implements Collector.
func (c *LocalCollector) Reset() error {
	c.h.Reset()
	return nil
}

// RemoteCollector runs scenarios against a collector over HTTP.
type RemoteCollector struct {
	c *client.Client
}

// NewRemoteCollector creates a collector that talks to c.
func NewRemoteCollector(c *client.Client) *RemoteCollector {
	return &RemoteCollector{c: c}
}

// Deliver implements page.Sink.
func (c *RemoteCollector) Deliver(frame []byte) error { return c.c.Deliver(frame) }

// Next implements Collector.
func (c *RemoteCollector) Next(timeout time.Duration) (*Observed, error) {
	ev, err := c.c.WaitForEvent(context.Background(), timeout)
	if err != nil {
		return nil, err
	}
	v, err := ev.Params()
	if err != nil {
		return nil, err
	}
	typ, ok := ev.Type()
	return &Observed{Type: typ, HasType: ok, PageViewID: ev.PageViewID, Params: v}, nil
}

// Reset implements Collector.
func (c *RemoteCollector) Reset() error { return c.c.Reset() }
