package webhook

import (
	"slices"
	"sync"
	"time"
)

// DefaultDeadLetterCapacity bounds a DeadLetterStore created without an
// explicit capacity.
const DefaultDeadLetterCapacity = 1000

// DeadLetterStats summarizes the dead letter store.
type DeadLetterStats struct {
	Total        int            `json:"total"`
	Evicted      int            `json:"evicted"`
	ByEvent      map[string]int `json:"byEvent"`
	ByURL        map[string]int `json:"byUrl"`
	OldestEntry  *time.Time     `json:"oldestEntry,omitempty"`
	NewestEntry  *time.Time     `json:"newestEntry,omitempty"`
	TotalRetries int            `json:"totalRetries"`
}

// DeadLetterStore keeps notifications that could not be delivered, in
// arrival order. When full, the oldest entry is evicted.
type DeadLetterStore struct {
	mu       sync.RWMutex
	capacity int
	queue    []*Delivery
	evicted  int
}

// NewDeadLetterStore creates a store holding at most DefaultDeadLetterCapacity
// deliveries.
func NewDeadLetterStore() *DeadLetterStore {
	return NewBoundedDeadLetterStore(DefaultDeadLetterCapacity)
}

// NewBoundedDeadLetterStore creates a store holding at most capacity deliveries.
func NewBoundedDeadLetterStore(capacity int) *DeadLetterStore {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetterStore{capacity: capacity}
}

// Add appends d, replacing any entry with the same ID.
func (s *DeadLetterStore) Add(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(d.ID); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.evicted++
	}
	s.queue = append(s.queue, d)
}

// Get returns the delivery with the given ID.
func (s *DeadLetterStore) Get(id string) (*Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.queue[i], true
	}
	return nil, false
}

// Remove deletes and returns the delivery with the given ID.
func (s *DeadLetterStore) Remove(id string) (*Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil, false
	}
	d := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	return d, true
}

// List returns entries for runID, or every entry when runID is empty,
// newest first.
func (s *DeadLetterStore) List(runID string) []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Delivery, 0, len(s.queue))
	for i := len(s.queue) - 1; i >= 0; i-- {
		if d := s.queue[i]; runID == "" || d.RunID == runID {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b *Delivery) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Count returns the number of entries held.
func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// Purge drops every entry and returns how many were dropped.
func (s *DeadLetterStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

// Stats summarizes the entries held.
func (s *DeadLetterStore) Stats() DeadLetterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := DeadLetterStats{
		Total:   len(s.queue),
		Evicted: s.evicted,
		ByEvent: map[string]int{},
		ByURL:   map[string]int{},
	}
	for _, d := range s.queue {
		st.ByEvent[d.Event]++
		st.ByURL[d.URL]++
		st.TotalRetries += d.Attempts
		created := d.CreatedAt
		if st.OldestEntry == nil || created.Before(*st.OldestEntry) {
			st.OldestEntry = &created
		}
		if st.NewestEntry == nil || created.After(*st.NewestEntry) {
			st.NewestEntry = &created
		}
	}
	return st
}

func (s *DeadLetterStore) index(id string) int {
	return slices.IndexFunc(s.queue, func(d *Delivery) bool { return d.ID == id })
}
