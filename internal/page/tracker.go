package page

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/params"
)

// Tracker is the tracking library's API. Every call becomes one event frame:
// the method name is the event type and the first argument, if any, the
// parameter tree.
type Tracker struct {
	sink       Sink
	pageViewID string
	logger     *slog.Logger

	mu   sync.Mutex
	sent int
	errs []error
}

func newTracker(sink Sink, pageViewID string, logger *slog.Logger) *Tracker {
	return &Tracker{sink: sink, pageViewID: pageViewID, logger: logger}
}

// Invoke sends one event. Delivery failures are logged and kept; the page
// does not see them.
func (t *Tracker) Invoke(method string, args []any) {
	frame, err := t.frame(method, args)
	if err == nil {
		err = t.sink.Deliver(frame)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.errs = append(t.errs, fmt.Errorf("event %s: %w", method, err))
		t.logger.Warn("event delivery failed", "event_type", method, "err", err)
		return
	}
	t.sent++
	t.logger.Debug("event sent", "event_type", method)
}

func (t *Tracker) frame(method string, args []any) ([]byte, error) {
	f := harness.Frame{
		EventType:  method,
		EventID:    uuid.NewString(),
		PageViewID: t.pageViewID,
	}
	if len(args) > 0 {
		v, err := params.FromGo(args[0])
		if err != nil {
			return nil, err
		}
		f.Parameters = json.RawMessage(params.Encode(v))
	}
	return json.Marshal(f)
}

// Sent returns the number of events delivered.
func (t *Tracker) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Errors returns the delivery failures so far.
func (t *Tracker) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}
