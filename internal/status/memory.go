package status

import (
	"context"
	"sort"
	"sync"
	"time"
)

type messageKey struct {
	owner, filename string
}

// MemoryTracker keeps status records in process memory
type MemoryTracker struct {
	mu      sync.RWMutex
	records map[messageKey]map[string]Record
	now     func() time.Time
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		records: make(map[messageKey]map[string]Record),
		now:     time.Now,
	}
}

// SetStatus records the latest state for recipient
func (m *MemoryTracker) SetStatus(_ context.Context, owner, filename string, state State, recipient, reason string) error {
	if err := checkArgs(owner, filename, state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := messageKey{owner, filename}
	if m.records[k] == nil {
		m.records[k] = make(map[string]Record)
	}
	m.records[k][recipient] = Record{
		Owner:     owner,
		Filename:  filename,
		Recipient: recipient,
		State:     state,
		Reason:    reason,
		UpdatedAt: m.now(),
	}
	return nil
}

// Get returns the records of a message ordered by recipient
func (m *MemoryTracker) Get(_ context.Context, owner, filename string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRcpt, ok := m.records[messageKey{owner, filename}]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Record, 0, len(byRcpt))
	for _, r := range byRcpt {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out, nil
}
