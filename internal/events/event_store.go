package events

import (
	"container/list"
	"sync"
	"time"
)

// InMemoryEventStore is a bounded replay buffer. When full, the oldest event is dropped.
type InMemoryEventStore struct {
	mu          sync.RWMutex
	events      *list.List
	index       map[string]*list.Element
	byRecipient map[string][]*list.Element
	maxSize     int
	now         func() time.Time
}

// NewEventStore creates a store holding at most maxSize events
func NewEventStore(maxSize int) *InMemoryEventStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &InMemoryEventStore{
		events:      list.New(),
		index:       make(map[string]*list.Element),
		byRecipient: make(map[string][]*list.Element),
		maxSize:     maxSize,
		now:         time.Now,
	}
}

// Store appends an event
func (es *InMemoryEventStore) Store(event Event) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.events.Len() >= es.maxSize {
		es.removeLocked(es.events.Front())
	}

	elem := es.events.PushBack(event)
	es.index[event.ID] = elem
	es.byRecipient[event.Recipient] = append(es.byRecipient[event.Recipient], elem)
	return nil
}

// GetSince returns up to limit of the recipient's events after eventID.
// An empty eventID returns the most recent events; an unknown one returns none.
func (es *InMemoryEventStore) GetSince(recipient, eventID string, limit int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]Event, 0)

	if eventID == "" {
		elems := es.byRecipient[recipient]
		start := max(0, len(elems)-limit)
		for _, e := range elems[start:] {
			result = append(result, e.Value.(Event))
		}
		return result, nil
	}

	start, ok := es.index[eventID]
	if !ok {
		return result, nil
	}
	for e := start.Next(); e != nil && len(result) < limit; e = e.Next() {
		if ev := e.Value.(Event); ev.Recipient == recipient {
			result = append(result, ev)
		}
	}
	return result, nil
}

// Cleanup removes events older than olderThan
func (es *InMemoryEventStore) Cleanup(olderThan time.Duration) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	cutoff := es.now().Add(-olderThan)
	for front := es.events.Front(); front != nil; front = es.events.Front() {
		if front.Value.(Event).Timestamp.After(cutoff) {
			break
		}
		es.removeLocked(front)
	}
	return nil
}

func (es *InMemoryEventStore) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	ev := elem.Value.(Event)
	es.events.Remove(elem)
	delete(es.index, ev.ID)

	elems := es.byRecipient[ev.Recipient]
	for i, e := range elems {
		if e == elem {
			elems = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(elems) == 0 {
		delete(es.byRecipient, ev.Recipient)
	} else {
		es.byRecipient[ev.Recipient] = elems
	}
}

// Len returns the number of stored events
func (es *InMemoryEventStore) Len() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.events.Len()
}
