package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/store"
	"github.com/aspruds/divolte-collector/pkg/httpcore"
)

// pixel is a transparent 1x1 GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// PostEvent handles POST /csc-event. The body is one event frame.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpcore.Error(w, http.StatusRequestEntityTooLarge, "event frame too large")
			return
		}
		httpcore.Error(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	p, ok := h.accept(w, body)
	if !ok {
		return
	}
	httpcore.JSON(w, http.StatusOK, map[string]any{
		"status": 1,
		"id":     p.ID,
	})
}

// PixelEvent handles GET /csc-event?t=&e=&p=&u=, the image-beacon transport:
// t is the event type, e the event id, p the page view id and u the
// parameters as JSON text.
func (h *Handler) PixelEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	frame := harness.Frame{
		EventType:  q.Get("t"),
		EventID:    q.Get("e"),
		PageViewID: q.Get("p"),
	}
	if u := q.Get("u"); u != "" {
		frame.Parameters = json.RawMessage(u)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		httpcore.JSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  "invalid parameters: " + err.Error(),
		})
		return
	}

	if _, ok := h.accept(w, body); !ok {
		return
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}

// accept hands body to the harness and writes the error response on failure.
func (h *Handler) accept(w http.ResponseWriter, body []byte) (*harness.EventPayload, bool) {
	p, err := h.harness.Accept(body)
	if err == nil {
		return p, true
	}

	var decodeErr *harness.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		httpcore.JSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  err.Error(),
		})
	case errors.Is(err, harness.ErrClosed):
		httpcore.Error(w, http.StatusServiceUnavailable, "collector is shutting down")
	default:
		h.logger.Error("accepting event", "err", err)
		httpcore.Error(w, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}

// AdminNextEvent handles GET /admin/events/next?timeout=. It removes the
// oldest pending event, waiting for one if needed. timeout is a Go duration
// or a number of milliseconds; without it the collector's default applies.
func (h *Handler) AdminNextEvent(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), h.harness.DefaultWait())
	if err != nil {
		httpcore.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	p, err := h.harness.Wait(ctx)
	switch {
	case errors.Is(err, harness.ErrTimeout):
		httpcore.TypedError(w, http.StatusRequestTimeout, "timeout",
			fmt.Sprintf("no event arrived within %s", timeout))
		return
	case errors.Is(err, harness.ErrClosed):
		httpcore.Error(w, http.StatusServiceUnavailable, "collector is shutting down")
		return
	case err != nil:
		// The client went away.
		h.logger.Debug("event wait abandoned", "err", err)
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		httpcore.TypedError(w, http.StatusUnprocessableEntity, "decode_error", err.Error())
		return
	}
	httpcore.JSON(w, http.StatusOK, json.RawMessage(data))
}

func parseTimeout(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		ms, msErr := strconv.ParseInt(s, 10, 64)
		if msErr != nil {
			return 0, fmt.Errorf("invalid timeout %q", s)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", s)
	}
	return min(d, MaxWait), nil
}

// AdminListEvents handles GET /admin/events. Supports ?event_type=,
// ?page_view_id=, ?cursor= and ?limit=.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.Query{
		EventType:  q.Get("event_type"),
		PageViewID: q.Get("page_view_id"),
		Cursor:     q.Get("cursor"),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			httpcore.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	page := h.store.List(query)
	httpcore.JSON(w, http.StatusOK, map[string]any{
		"events":   page.Data,
		"total":    page.Total,
		"has_more": page.HasMore,
		"cursor":   page.Cursor,
	})
}

// AdminPendingEvents handles GET /admin/events/pending.
func (h *Handler) AdminPendingEvents(w http.ResponseWriter, r *http.Request) {
	httpcore.JSON(w, http.StatusOK, map[string]any{
		"pending":  h.harness.Len(),
		"accepted": h.harness.Accepted(),
	})
}
