package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InMemoryEventBus fans events out to in-process subscribers, keyed by recipient
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]EventHandler // recipient -> subscription id -> handler
	store       EventStore
	logger      *slog.Logger
}

// NewEventBus creates a bus. store may be nil to disable replay.
func NewEventBus(store EventStore, logger *slog.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryEventBus{
		subscribers: make(map[string]map[string]EventHandler),
		store:       store,
		logger:      logger,
	}
}

// Publish stores the event for replay and hands it to the recipient's subscribers
func (eb *InMemoryEventBus) Publish(_ context.Context, event Event) error {
	if event.Recipient == "" {
		return errors.New("events: event has no recipient")
	}

	if eb.store != nil {
		if err := eb.store.Store(event); err != nil {
			eb.logger.Warn("failed to store event for replay",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subscribers[event.Recipient]))
	for _, h := range eb.subscribers[event.Recipient] {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers handler for a recipient's events and returns an unsubscribe func
func (eb *InMemoryEventBus) Subscribe(recipient string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribers[recipient] == nil {
		eb.subscribers[recipient] = make(map[string]EventHandler)
	}
	id := uuid.NewString()
	eb.subscribers[recipient][id] = handler

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if handlers, ok := eb.subscribers[recipient]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(eb.subscribers, recipient)
			}
		}
	}
}

// GetEventsSince returns the recipient's events after lastEventID
func (eb *InMemoryEventBus) GetEventsSince(recipient, lastEventID string) ([]Event, error) {
	if eb.store == nil {
		return []Event{}, nil
	}
	return eb.store.GetSince(recipient, lastEventID, 100)
}

// SubscriberCount returns the number of subscribers for a recipient
func (eb *InMemoryEventBus) SubscriberCount(recipient string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[recipient])
}
