// Package store holds the collector's captured event history.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aspruds/divolte-collector/internal/params"
)

// CapturedEvent is one accepted event as kept in the history.
type CapturedEvent struct {
	ID         string          `json:"id"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type,omitempty"` // empty when the frame carried none
	PageViewID string          `json:"page_view_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"` // as received until rendered
	DecodeErr  string          `json:"decode_error,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// rendered returns e with its parameters in canonical form, or with the
// decode error set when they do not decode.
func (e CapturedEvent) rendered() CapturedEvent {
	if len(e.Parameters) == 0 || e.DecodeErr != "" {
		return e
	}
	v, err := params.Decode(e.Parameters)
	if err != nil {
		e.DecodeErr = fmt.Sprintf("decoding parameters of event %s: %v", e.EventID, err)
		return e
	}
	e.Parameters = json.RawMessage(params.Encode(v))
	return e
}

// Query selects events from the history.
type Query struct {
	EventType  string
	PageViewID string
	Cursor     string
	Limit      int
}

func (q Query) matches(e CapturedEvent) bool {
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.PageViewID != "" && e.PageViewID != q.PageViewID {
		return false
	}
	return true
}
