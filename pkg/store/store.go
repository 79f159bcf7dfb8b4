// Package store provides a generic, thread-safe, in-memory store that keeps
// items in insertion order, plus a simulated clock.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store holds items of type T keyed by ID, in insertion order. When a limit
// is set the oldest items are evicted first.
type Store[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	order   []string
	prefix  string
	counter uint64
	limit   int
}

// New creates a store whose generated IDs carry prefix (e.g. "evt").
func New[T any](prefix string) *Store[T] {
	return &Store[T]{
		items:  make(map[string]T),
		prefix: prefix,
	}
}

// SetLimit caps the number of items kept. Zero or less means unbounded.
func (s *Store[T]) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	s.evictLocked()
}

// NextID returns the next ID, of the form "{prefix}_{counter}" e.g. "evt_000001".
func (s *Store[T]) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.formatID(s.counter)
}

func (s *Store[T]) formatID(n uint64) string {
	return fmt.Sprintf("%s_%06d", s.prefix, n)
}

// Set stores item under id. Overwriting keeps the original position.
func (s *Store[T]) Set(id string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = item
	s.evictLocked()
}

func (s *Store[T]) evictLocked() {
	if s.limit <= 0 {
		return
	}
	for len(s.order) > s.limit {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns the item stored under id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// List returns all items in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]T, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.items[id])
	}
	return result
}

// Filter returns the items matching predicate, in insertion order.
func (s *Store[T]) Filter(predicate func(id string, item T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []T
	for _, id := range s.order {
		if predicate(id, s.items[id]) {
			result = append(result, s.items[id])
		}
	}
	return result
}

// Page is one page of a listing.
type Page[T any] struct {
	Data    []T    `json:"data"`
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor,omitempty"`
	Total   int    `json:"total"`
}

// Paginate returns up to limit items matching predicate that come after the
// item with ID cursor. An empty or unknown cursor starts at the beginning, a
// limit of zero or less returns everything, and a nil predicate matches all
// items.
func (s *Store[T]) Paginate(cursor string, limit int, predicate func(id string, item T) bool) Page[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, id := range s.order {
		if predicate == nil || predicate(id, s.items[id]) {
			ids = append(ids, id)
		}
	}

	start := 0
	if cursor != "" {
		start = s.afterLocked(ids, cursor)
	}
	if limit <= 0 {
		limit = len(ids)
	}
	end := min(start+limit, len(ids))

	page := Page[T]{
		Data:    make([]T, 0, end-start),
		HasMore: end < len(ids),
		Total:   len(ids),
	}
	for _, id := range ids[start:end] {
		page.Data = append(page.Data, s.items[id])
		page.Cursor = id
	}
	return page
}

// afterLocked returns the index in ids of the first item after cursor. A
// generated cursor whose item has been evicted or deleted still resumes after
// its position, since generated IDs grow with insertion order.
func (s *Store[T]) afterLocked(ids []string, cursor string) int {
	for i, id := range ids {
		if id == cursor {
			return i + 1
		}
	}
	n, ok := s.parseID(cursor)
	if !ok {
		return 0
	}
	for i, id := range ids {
		if m, ok := s.parseID(id); ok && m > n {
			return i
		}
	}
	return len(ids)
}

// Count returns the number of items.
func (s *Store[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Reset clears all items and the ID counter.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
	s.order = nil
	s.counter = 0
}

// Snapshot returns a copy of all items keyed by ID.
func (s *Store[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]T, len(s.items))
	for k, v := range s.items {
		snapshot[k] = v
	}
	return snapshot
}

// LoadSnapshot replaces all items. IDs are sorted to give a deterministic
// order, and the counter moves past the highest generated ID so later IDs
// never collide with loaded ones.
func (s *Store[T]) LoadSnapshot(snapshot map[string]T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T, len(snapshot))
	s.order = make([]string, 0, len(snapshot))
	s.counter = 0
	for k, v := range snapshot {
		s.items[k] = v
		s.order = append(s.order, k)
		if n, ok := s.parseID(k); ok && n > s.counter {
			s.counter = n
		}
	}
	sort.Strings(s.order)
	s.evictLocked()
}

func (s *Store[T]) parseID(id string) (uint64, bool) {
	digits, ok := strings.CutPrefix(id, s.prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	return n, err == nil
}

// MarshalJSON encodes the items map.
func (s *Store[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON replaces the items from an encoded items map.
func (s *Store[T]) UnmarshalJSON(data []byte) error {
	var snapshot map[string]T
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.LoadSnapshot(snapshot)
	return nil
}

// Clock is a simulated clock: real time shifted by an adjustable offset.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
	now    func() time.Time
}

// NewClock creates a clock with no offset.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Reset clears the offset.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
}

// Offset returns the current offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
