package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aspruds/divolte-collector/internal/params"
)

// Frame is the wire framing of one event as the tracker sends it.
type Frame struct {
	EventType  string          `json:"eventType,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	PageViewID string          `json:"pageViewId,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// EventPayload is one received event. It is immutable once handed out; the
// parameter tree is decoded on first access and cached.
type EventPayload struct {
	ID         string
	PageViewID string
	ReceivedAt time.Time

	eventType string
	hasType   bool
	raw       []byte

	decodes atomic.Int32
	tree    func() (params.Value, error)
	text    func() (string, error)
}

func newPayload(id, pageViewID, eventType string, hasType bool, raw []byte, at time.Time) *EventPayload {
	p := &EventPayload{
		ID:         id,
		PageViewID: pageViewID,
		ReceivedAt: at,
		eventType:  eventType,
		hasType:    hasType,
		raw:        raw,
	}
	p.tree = sync.OnceValues(func() (params.Value, error) {
		if p.raw == nil {
			return nil, nil
		}
		p.decodes.Add(1)
		v, err := params.Decode(p.raw)
		if err != nil {
			return nil, fmt.Errorf("decoding parameters of event %s: %w", p.ID, err)
		}
		return v, nil
	})
	p.text = sync.OnceValues(func() (string, error) {
		v, err := p.tree()
		if err != nil || v == nil {
			return "", err
		}
		return params.Encode(v), nil
	})
	return p
}

// EventType returns the event type, if the transmission carried one.
func (p *EventPayload) EventType() (string, bool) {
	return p.eventType, p.hasType
}

// HasParameters reports whether the event carried a parameter tree.
func (p *EventPayload) HasParameters() bool {
	return p.raw != nil
}

// Parameters returns the decoded parameter tree, or nil when the event carried
// none. The tree is decoded once; later calls return the same value.
func (p *EventPayload) Parameters() (params.Value, error) {
	return p.tree()
}

// ParametersText returns the canonical text of the parameter tree, or "" when
// the event carried none.
func (p *EventPayload) ParametersText() (string, error) {
	return p.text()
}

// RawParameters returns a copy of the parameter bytes as received.
func (p *EventPayload) RawParameters() []byte {
	if p.raw == nil {
		return nil
	}
	return bytes.Clone(p.raw)
}

// payloadJSON is the admin representation of an EventPayload.
type payloadJSON struct {
	ID         string          `json:"id"`
	EventType  *string         `json:"event_type,omitempty"`
	PageViewID string          `json:"page_view_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// MarshalJSON renders the payload with its parameters in canonical form.
func (p *EventPayload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		ID:         p.ID,
		PageViewID: p.PageViewID,
		ReceivedAt: p.ReceivedAt,
	}
	if p.hasType {
		t := p.eventType
		out.EventType = &t
	}
	text, err := p.ParametersText()
	if err != nil {
		return nil, err
	}
	if text != "" {
		out.Parameters = json.RawMessage(text)
	}
	return json.Marshal(out)
}
