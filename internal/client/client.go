// Package client talks to a running collector's /admin/* endpoints. It gives
// out-of-process consumers the same waitForEvent contract as the in-process
// harness.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aspruds/divolte-collector/internal/api"
	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/params"
	"github.com/aspruds/divolte-collector/internal/store"
)

// requestTimeout bounds every call except the wait itself.
const requestTimeout = 5 * time.Second

// waitSlack is added to a wait's timeout to cover the round trip.
const waitSlack = 5 * time.Second

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Event is one event as returned by /admin/events/next.
type Event struct {
	ID         string          `json:"id"`
	EventType  *string         `json:"event_type,omitempty"`
	PageViewID string          `json:"page_view_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Type returns the event type and whether the event carried one.
func (e *Event) Type() (string, bool) {
	if e.EventType == nil {
		return "", false
	}
	return *e.EventType, true
}

// Params decodes the parameter tree. It returns nil when the event carried
// no parameters.
func (e *Event) Params() (params.Value, error) {
	if len(e.Parameters) == 0 {
		return nil, nil
	}
	return params.Decode(e.Parameters)
}

// EventList is one page of /admin/events.
type EventList struct {
	Events  []store.CapturedEvent `json:"events"`
	Total   int                   `json:"total"`
	HasMore bool                  `json:"has_more"`
	Cursor  string                `json:"cursor,omitempty"`
}

// Client talks to one collector.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the collector at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Health checks GET /admin/health. Returns (ok, response body or error message).
func (c *Client) Health() (bool, string) {
	status, body, err := c.do(context.Background(), requestTimeout, "GET", "/admin/health", nil)
	if err != nil {
		return false, err.Error()
	}
	if status == http.StatusOK {
		return true, strings.TrimSpace(string(body))
	}
	return false, fmt.Sprintf("status %d: %s", status, body)
}

// Reset calls POST /admin/reset, dropping pending events and history.
func (c *Client) Reset() error {
	_, err := c.expectOK(context.Background(), "POST", "/admin/reset", nil)
	return err
}

// Seed POSTs the contents of a JSON file to /admin/state.
func (c *Client) Seed(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	_, err = c.expectOK(context.Background(), "POST", "/admin/state", data)
	return err
}

// Deliver posts one event frame to /csc-event. It lets a Client act as a
// page's sink.
func (c *Client) Deliver(frame []byte) error {
	status, body, err := c.do(context.Background(), requestTimeout, "POST", "/csc-event", frame)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{Code: status, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// WaitForEvent removes and returns the collector's oldest pending event,
// waiting at most timeout for one to arrive. A non-positive timeout uses the
// collector's configured default, which may be anything up to api.MaxWait.
// When nothing arrives the error wraps harness.ErrTimeout.
func (c *Client) WaitForEvent(ctx context.Context, timeout time.Duration) (*Event, error) {
	path := "/admin/events/next"
	budget := api.MaxWait
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
		budget = timeout
	}

	status, body, err := c.do(ctx, budget+waitSlack, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusRequestTimeout:
		if timeout > 0 {
			return nil, fmt.Errorf("%w after %s", harness.ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w after the collector's default wait", harness.ErrTimeout)
	default:
		return nil, &StatusError{Code: status, Body: strings.TrimSpace(string(body))}
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}

// EventFilter selects events from the history.
type EventFilter struct {
	EventType  string
	PageViewID string
	Cursor     string
	Limit      int
}

// Events lists the collector's history, oldest first.
func (c *Client) Events(ctx context.Context, f EventFilter) (*EventList, error) {
	q := url.Values{}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if f.PageViewID != "" {
		q.Set("page_view_id", f.PageViewID)
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/admin/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.expectOK(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var list EventList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}
	return &list, nil
}

func (c *Client) expectOK(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	status, respBody, err := c.do(ctx, requestTimeout, method, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
