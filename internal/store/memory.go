package store

import (
	"encoding/json"

	"github.com/aspruds/divolte-collector/internal/harness"
	pkgstore "github.com/aspruds/divolte-collector/pkg/store"
)

// MemoryStore holds the captured history in memory.
type MemoryStore struct {
	Events *pkgstore.Store[CapturedEvent]
	Clock  *pkgstore.Clock
}

// New creates an empty store. limit caps the history; zero keeps everything.
func New(limit int) *MemoryStore {
	events := pkgstore.New[CapturedEvent]("evt")
	events.SetLimit(limit)
	return &MemoryStore{
		Events: events,
		Clock:  pkgstore.NewClock(),
	}
}

// Record appends p to the history. Only the framing is read; the parameters
// are kept as received and rendered when the history is listed.
func (s *MemoryStore) Record(p *harness.EventPayload) CapturedEvent {
	evt := CapturedEvent{
		EventID:    p.ID,
		PageViewID: p.PageViewID,
		ReceivedAt: p.ReceivedAt,
		Parameters: p.RawParameters(),
	}
	if t, ok := p.EventType(); ok {
		evt.EventType = t
	}
	evt.ID = s.Events.NextID()
	s.Events.Set(evt.ID, evt)
	return evt
}

// List returns one page of the history matching q, oldest first, with the
// parameters in canonical form. A parameter tree that does not decode is
// returned raw, with the error alongside.
func (s *MemoryStore) List(q Query) pkgstore.Page[CapturedEvent] {
	page := s.Events.Paginate(q.Cursor, q.Limit, func(_ string, e CapturedEvent) bool {
		return q.matches(e)
	})
	for i := range page.Data {
		page.Data[i] = page.Data[i].rendered()
	}
	return page
}

// stateSnapshot is the JSON form used by /admin/state.
type stateSnapshot struct {
	Events map[string]CapturedEvent `json:"events"`
}

// Snapshot returns the history as a JSON-serializable value.
func (s *MemoryStore) Snapshot() any {
	return stateSnapshot{Events: s.Events.Snapshot()}
}

// LoadState replaces the history from a JSON body.
func (s *MemoryStore) LoadState(data []byte) error {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.Events.LoadSnapshot(snap.Events)
	return nil
}

// Reset clears the history and the clock offset.
func (s *MemoryStore) Reset() {
	s.Events.Reset()
	s.Clock.Reset()
}
