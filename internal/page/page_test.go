package page

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/queue"
)

// customParams is what the custom event handler sends, and customText its
// canonical serialization.
const customParams = `{
	a: {},
	b: "c",
	d: {a: [], b: "g"},
	e: ["1", "2"],
	f: 42,
	g: 53.2,
	h: -37,
	i: -7.83e-9,
	j: true,
	k: false,
	l: null,
	m: new Date(Date.UTC(2015, 5, 13, 15, 49, 33, 2)),
	n: {skipped: undefined, handler: function() {}},
	o: [{}, {a: "b"}, {c: "d"}],
	p: [null, undefined, {a: "b"}, "custom", function() {}, {}],
	q: Object.create({inherited: 1})
}`

const customText = `{"a":{},"b":"c","d":{"a":[],"b":"g"},"e":["1","2"],"f":42,"g":53.2,"h":-37,"i":-7.83E-9,"j":true,"k":false,"l":null,"m":"2015-06-13T15:49:33.002Z","n":{},"o":[{},{"a":"b"},{"c":"d"}],"p":[null,null,{"a":"b"},"custom",null,{}],"q":{}}`

const snippet = `window.divolte = window.divolte || [];`

func newPage(t *testing.T) (*Page, *harness.Harness) {
	t.Helper()
	h := harness.New(harness.WithDefaultTimeout(time.Second))
	return mustNew(t, Options{Sink: h, PageViewID: "pv-1"}), h
}

func mustNew(t *testing.T, opts Options) *Page {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func mustRun(t *testing.T, p *Page, src string) {
	t.Helper()
	if err := p.Run(src); err != nil {
		t.Fatalf("Run(%q) error: %v", src, err)
	}
}

func expectEvent(t *testing.T, h *harness.Harness, wantType string) *harness.EventPayload {
	t.Helper()
	ev, err := h.WaitForEvent(time.Second)
	if err != nil {
		t.Fatalf("waiting for %s: %v", wantType, err)
	}
	got, ok := ev.EventType()
	if !ok || got != wantType {
		t.Fatalf("expected event %q, got %q (present=%v)", wantType, got, ok)
	}
	return ev
}

func expectNoMore(t *testing.T, h *harness.Harness) {
	t.Helper()
	ev, err := h.WaitForEvent(50 * time.Millisecond)
	if err == nil {
		typ, _ := ev.EventType()
		t.Fatalf("expected no further events, got %q", typ)
	}
	if !errors.Is(err, harness.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Queue placement on the page
// ---------------------------------------------------------------------------

func TestQueueBeforeAsyncTracker(t *testing.T) {
	p, h := newPage(t)

	mustRun(t, p, snippet+`
		divolte.push(['firstEvent']);
		divolte.push(['secondEvent']);
	`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}

	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")
	expectEvent(t, h, "secondEvent")
	expectNoMore(t, h)
	if p.State() != queue.LibraryActive {
		t.Errorf("expected %s, got %s", queue.LibraryActive, p.State())
	}
}

func TestQueueAddedAfterSyncTracker(t *testing.T) {
	p, h := newPage(t)

	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	mustRun(t, p, `
		var divolte = divolte || [];
		divolte.push(['firstEvent']);
		divolte.signal('secondEvent');
	`)

	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")
	expectEvent(t, h, "secondEvent")
	expectNoMore(t, h)
}

func TestQueueAddedTwice(t *testing.T) {
	p, h := newPage(t)

	mustRun(t, p, snippet+`divolte.push(['firstEvent']);`)
	if err := p.InstallQueue(); err != nil {
		t.Fatalf("InstallQueue() error: %v", err)
	}
	mustRun(t, p, snippet+`divolte.push(['secondEvent']);`)
	if err := p.InstallQueue(); err != nil {
		t.Fatalf("second InstallQueue() error: %v", err)
	}
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}

	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")
	expectEvent(t, h, "secondEvent")
	expectNoMore(t, h)
}

func TestStaleArrayReferenceKeepsWorking(t *testing.T) {
	p, h := newPage(t)

	mustRun(t, p, `
		var early = window.divolte = window.divolte || [];
		early.push(['firstEvent']);
	`)
	if err := p.InstallQueue(); err != nil {
		t.Fatalf("InstallQueue() error: %v", err)
	}
	mustRun(t, p, `early.push(['secondEvent']);`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	mustRun(t, p, `early.push(['thirdEvent']);`)

	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")
	expectEvent(t, h, "secondEvent")
	expectEvent(t, h, "thirdEvent")
	expectNoMore(t, h)
}

func TestQueueLengthWhileWaiting(t *testing.T) {
	p, _ := newPage(t)
	if err := p.InstallQueue(); err != nil {
		t.Fatalf("InstallQueue() error: %v", err)
	}
	mustRun(t, p, `divolte.push(['a'], ['b']); var n = divolte.length;`)

	if got := p.vm.Get("n").ToInteger(); got != 2 {
		t.Errorf("expected length 2, got %d", got)
	}
	if p.State() != queue.ShimInstalled {
		t.Errorf("expected %s, got %s", queue.ShimInstalled, p.State())
	}
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

func TestEventsAfterFlushCarryParameters(t *testing.T) {
	p, h := newPage(t)

	mustRun(t, p, snippet+`
		divolte.push(['firstEvent']);
		function clickCustom() {
			divolte.signal('custom', `+customParams+`);
		}
	`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")

	if err := p.Call("clickCustom"); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	ev := expectEvent(t, h, "custom")

	text, err := ev.ParametersText()
	if err != nil {
		t.Fatalf("ParametersText() error: %v", err)
	}
	if text != customText {
		t.Errorf("parameters mismatch\n got: %s\nwant: %s", text, customText)
	}
	if ev.PageViewID != "pv-1" {
		t.Errorf("expected page view id pv-1, got %q", ev.PageViewID)
	}
}

func TestQueuedParametersAreSnapshots(t *testing.T) {
	p, h := newPage(t)

	mustRun(t, p, snippet+`
		var params = {count: 1};
		divolte.push(['firstEvent', params]);
		params.count = 2;
	`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	expectEvent(t, h, "pageView")
	ev := expectEvent(t, h, "firstEvent")

	text, _ := ev.ParametersText()
	if text != `{"count":1}` {
		t.Errorf("expected parameters as pushed, got %s", text)
	}
}

func TestEventWithoutParameters(t *testing.T) {
	p, h := newPage(t)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	ev := expectEvent(t, h, "pageView")
	if ev.HasParameters() {
		t.Errorf("expected pageView without parameters, got %s", ev.RawParameters())
	}
}

func TestCallPassesGoArguments(t *testing.T) {
	p, h := newPage(t)
	mustRun(t, p, `function track(kind, n) { divolte.signal(kind, {n: n}); }`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	expectEvent(t, h, "pageView")

	if err := p.Call("track", "clicked", 3); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	ev := expectEvent(t, h, "clicked")
	if text, _ := ev.ParametersText(); text != `{"n":3}` {
		t.Errorf("unexpected parameters %s", text)
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestMalformedPushThrows(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not an array", `divolte.push('firstEvent');`},
		{"empty entry", `divolte.push([]);`},
		{"object method", `divolte.push([{}]);`},
		{"circular params", `var o = {}; o.self = o; divolte.push(['x', o]);`},
		{"signal without type", `divolte.signal();`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newPage(t)
			if err := p.InstallQueue(); err != nil {
				t.Fatalf("InstallQueue() error: %v", err)
			}
			err := p.Run(tt.src)
			if err == nil {
				t.Fatal("expected script error")
			}
			if !strings.Contains(err.Error(), "TypeError") {
				t.Errorf("expected a TypeError, got %v", err)
			}
		})
	}
}

func TestMalformedHolderEntriesAreSkipped(t *testing.T) {
	p, h := newPage(t)
	mustRun(t, p, snippet+`divolte.push('junk', ['firstEvent']);`)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	expectEvent(t, h, "pageView")
	expectEvent(t, h, "firstEvent")
	expectNoMore(t, h)
}

func TestLoadTrackerTwice(t *testing.T) {
	p, _ := newPage(t)
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	if err := p.LoadTracker(); !errors.Is(err, ErrTrackerLoaded) {
		t.Errorf("expected ErrTrackerLoaded, got %v", err)
	}
}

func TestCallUnknownFunction(t *testing.T) {
	p, _ := newPage(t)
	if err := p.Call("missing"); err == nil {
		t.Error("expected error for undefined function")
	}
}

func TestInstallQueueReportsReadOnlyGlobal(t *testing.T) {
	p, _ := newPage(t)
	mustRun(t, p, `Object.defineProperty(window, 'divolte', {value: [['early']], writable: false});`)

	err := p.InstallQueue()
	if err == nil || !strings.Contains(err.Error(), "installing queue") {
		t.Fatalf("expected install error, got %v", err)
	}
	if p.State() != queue.Absent {
		t.Errorf("expected no queue after a failed install, got %s", p.State())
	}
}

func TestDeliveryErrorsAreRecorded(t *testing.T) {
	failing := SinkFunc(func([]byte) error { return errors.New("collector down") })
	p := mustNew(t, Options{Sink: failing})
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	errs := p.DeliveryErrors()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "collector down") {
		t.Errorf("expected one delivery error, got %v", errs)
	}
}

func TestFrameFormat(t *testing.T) {
	var frames [][]byte
	sink := SinkFunc(func(f []byte) error {
		frames = append(frames, f)
		return nil
	})
	p := mustNew(t, Options{Sink: sink, PageViewID: "pv-9"})
	if err := p.LoadTracker(); err != nil {
		t.Fatalf("LoadTracker() error: %v", err)
	}
	mustRun(t, p, `divolte.signal('custom', {b: 1, a: 2});`)

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	var f harness.Frame
	if err := json.Unmarshal(frames[1], &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.EventType != "custom" || f.PageViewID != "pv-9" || f.EventID == "" {
		t.Errorf("unexpected frame %+v", f)
	}
	if string(f.Parameters) != `{"b":1,"a":2}` {
		t.Errorf("expected insertion-ordered parameters, got %s", f.Parameters)
	}
}
