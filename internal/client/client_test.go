package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aspruds/divolte-collector/internal/api"
	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/params"
	"github.com/aspruds/divolte-collector/internal/store"
	"github.com/aspruds/divolte-collector/pkg/admin"
	"github.com/aspruds/divolte-collector/pkg/httpcore"
)

func setupCollector(t *testing.T, opts ...harness.Option) (*Client, *harness.Harness) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	memStore := store.New(0)
	h := api.NewHarness(memStore, logger, opts...)
	t.Cleanup(h.Close)

	srv := httpcore.NewWithLogger(&httpcore.Config{Name: "client-test"}, logger)
	api.NewHandler(h, memStore, srv.Middleware(), logger).Routes(srv.Router)
	admin.NewHandler(&api.State{Harness: h, Store: memStore}, srv.Middleware(), memStore.Clock).Routes(srv.Router)

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return New(ts.URL + "/"), h
}

func accept(t *testing.T, h *harness.Harness, frame string) {
	t.Helper()
	if _, err := h.Accept([]byte(frame)); err != nil {
		t.Fatalf("Accept(%s): %v", frame, err)
	}
}

func TestHealth(t *testing.T) {
	c, _ := setupCollector(t)
	ok, body := c.Health()
	if !ok {
		t.Fatalf("expected healthy, got %s", body)
	}

	ok, _ = New("http://127.0.0.1:1").Health()
	if ok {
		t.Error("expected unreachable collector to be unhealthy")
	}
}

func TestWaitForEvent(t *testing.T) {
	c, h := setupCollector(t)
	accept(t, h, `{"eventType":"custom","eventId":"e-1","pageViewId":"pv","parameters":{"x":[1,2.0]}}`)
	accept(t, h, `{"parameters":{}}`)

	ev, err := c.WaitForEvent(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if typ, ok := ev.Type(); !ok || typ != "custom" || ev.ID != "e-1" || ev.PageViewID != "pv" {
		t.Errorf("unexpected event %+v", ev)
	}
	v, err := ev.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if got := params.Encode(v); got != `{"x":[1,2.0]}` {
		t.Errorf("unexpected parameters %s", got)
	}

	ev, err = c.WaitForEvent(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if _, ok := ev.Type(); ok {
		t.Error("expected event type absent")
	}
	if v, _ := ev.Params(); params.Encode(v) != `{}` {
		t.Errorf("expected empty object, got %v", v)
	}
}

func TestDeliver(t *testing.T) {
	c, h := setupCollector(t)
	if err := c.Deliver([]byte(`{"eventType":"remote","parameters":{"z":1,"a":2}}`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	p, err := h.WaitForEvent(time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if text, _ := p.ParametersText(); text != `{"z":1,"a":2}` {
		t.Errorf("unexpected parameters %s", text)
	}

	var se *StatusError
	if err := c.Deliver([]byte(`not a frame`)); !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("expected 400 StatusError, got %v", err)
	}
}

func TestWaitForEventTimeout(t *testing.T) {
	c, _ := setupCollector(t)
	_, err := c.WaitForEvent(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, harness.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitForEventOutlastsLongServerDefault(t *testing.T) {
	if testing.Short() {
		t.Skip("waits longer than the harness default")
	}
	serverWait := harness.DefaultTimeout + waitSlack + time.Second
	c, _ := setupCollector(t, harness.WithDefaultTimeout(serverWait))

	start := time.Now()
	_, err := c.WaitForEvent(context.Background(), 0)
	if !errors.Is(err, harness.ErrTimeout) {
		t.Fatalf("expected ErrTimeout from the collector, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < serverWait {
		t.Errorf("expected the client to wait out the collector default of %s, gave up after %s", serverWait, elapsed)
	}
}

func TestWaitForEventCancelled(t *testing.T) {
	c, _ := setupCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.WaitForEvent(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResetAndEvents(t *testing.T) {
	c, h := setupCollector(t)
	accept(t, h, `{"eventType":"pageView","pageViewId":"a"}`)
	accept(t, h, `{"eventType":"custom","pageViewId":"a"}`)
	accept(t, h, `{"eventType":"custom","pageViewId":"b"}`)

	list, err := c.Events(context.Background(), EventFilter{EventType: "custom", Limit: 1})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(list.Events) != 1 || list.Total != 2 || !list.HasMore {
		t.Errorf("unexpected page %+v", list)
	}
	list, err = c.Events(context.Background(), EventFilter{EventType: "custom", Cursor: list.Cursor})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(list.Events) != 1 || list.Events[0].PageViewID != "b" {
		t.Errorf("unexpected second page %+v", list)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.Len() != 0 {
		t.Errorf("expected empty buffer after reset, got %d", h.Len())
	}
	list, _ = c.Events(context.Background(), EventFilter{})
	if list.Total != 0 {
		t.Errorf("expected empty history after reset, got %d", list.Total)
	}
}

func TestSeed(t *testing.T) {
	c, _ := setupCollector(t)

	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `{"events":{"evt_000001":{"id":"evt_000001","event_id":"x","event_type":"seeded","received_at":"2015-06-13T15:49:33.002Z"}}}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Seed(path); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	list, err := c.Events(context.Background(), EventFilter{EventType: "seeded"})
	if err != nil || list.Total != 1 {
		t.Errorf("expected seeded event, got %+v %v", list, err)
	}

	if err := c.Seed(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing seed file")
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).WaitForEvent(context.Background(), time.Second)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("expected StatusError 500 boom, got %v", err)
	}
	if err := New(srv.URL).Reset(); !errors.As(err, &se) {
		t.Errorf("expected StatusError from Reset, got %v", err)
	}
}
