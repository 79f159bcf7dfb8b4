// Package api implements the collector's HTTP endpoints: the event capture
// transport used by tracked pages and the admin extras for consuming captured
// events.
package api

import (
	"io"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/store"
	"github.com/aspruds/divolte-collector/pkg/httpcore"
)

// MaxWait caps the timeout a client may ask /admin/events/next to wait.
const MaxWait = 5 * time.Minute

// maxFrameBytes bounds one captured frame.
const maxFrameBytes = 1 << 20

// Handler holds the API handler state.
type Handler struct {
	harness *harness.Harness
	store   *store.MemoryStore
	mw      *httpcore.Middleware
	logger  *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(h *harness.Harness, s *store.MemoryStore, mw *httpcore.Middleware, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{harness: h, store: s, mw: mw, logger: logger}
}

// NewHarness creates a harness whose accepted events are also recorded in s,
// stamped with s's simulated clock.
func NewHarness(s *store.MemoryStore, logger *slog.Logger, opts ...harness.Option) *harness.Harness {
	base := []harness.Option{
		harness.WithClock(s.Clock.Now),
		harness.WithObserver(func(p *harness.EventPayload) { s.Record(p) }),
	}
	if logger != nil {
		base = append(base, harness.WithLogger(logger))
	}
	return harness.New(append(base, opts...)...)
}

// Routes mounts the capture endpoints and the event admin extras. Mount them
// before the shared admin plane.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.FaultInjection)

		r.Post("/csc-event", h.PostEvent)
		r.Get("/csc-event", h.PixelEvent)
	})

	r.Get("/admin/events", h.AdminListEvents)
	r.Get("/admin/events/next", h.AdminNextEvent)
	r.Get("/admin/events/pending", h.AdminPendingEvents)
}

// State is the admin view of the collector: the recorded history plus the
// buffer of events no consumer has taken yet.
type State struct {
	Harness *harness.Harness
	Store   *store.MemoryStore
}

// Snapshot implements admin.StateStore.
func (s *State) Snapshot() any {
	return map[string]any{
		"events":   s.Store.Events.Snapshot(),
		"pending":  s.Harness.Len(),
		"accepted": s.Harness.Accepted(),
	}
}

// LoadState implements admin.StateStore. Only the history is loaded; the
// pending buffer is left alone.
func (s *State) LoadState(data []byte) error {
	return s.Store.LoadState(data)
}

// Reset implements admin.StateStore.
func (s *State) Reset() {
	s.Harness.Reset()
	s.Store.Reset()
}
