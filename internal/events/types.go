// Package events carries mailbox notifications to in-process subscribers and brokers.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a notification addressed to one mailbox
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Recipient string          `json:"recipient"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler handles a delivered event
type EventHandler func(event Event)

// Publisher delivers events somewhere
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventStore keeps recent events for replay
type EventStore interface {
	// Store saves an event for later replay.
	Store(event Event) error
	// GetSince returns the recipient's events after the given event ID.
	GetSince(recipient string, eventID string, limit int) ([]Event, error)
	// Cleanup removes events older than the given duration.
	Cleanup(olderThan time.Duration) error
}
