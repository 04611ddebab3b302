package memory

import (
	"context"
	"sync"

	audit "cardreader/pkg/platform/audit"
)

const DefaultCapacity = 1024

// InMemoryStore keeps the most recent events in a fixed-size ring. Once full,
// the oldest event is overwritten and counted as evicted.
type InMemoryStore struct {
	mu      sync.RWMutex
	events  []audit.Event
	head    int
	size    int
	evicted uint64
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithCapacity(DefaultCapacity)
}

func NewInMemoryStoreWithCapacity(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryStore{events: make([]audit.Event, capacity)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.size) % len(s.events)
	if s.size == len(s.events) {
		s.head = (s.head + 1) % len(s.events)
		s.evicted++
	} else {
		s.size++
	}
	s.events[idx] = event
	return nil
}

// ListRecent returns the last limit events in insertion order.
// A non-positive limit returns everything retained.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]audit.Event, 0, n)
	for i := s.size - n; i < s.size; i++ {
		out = append(out, s.events[(s.head+i)%len(s.events)])
	}
	return out, nil
}

// ListByAction filters retained events by action.
func (s *InMemoryStore) ListByAction(ctx context.Context, action audit.AuditEvent) ([]audit.Event, error) {
	all, _ := s.ListRecent(ctx, 0)
	var out []audit.Event
	for _, e := range all {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.events)
	s.head, s.size = 0, 0
}
