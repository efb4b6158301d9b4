// Package sse streams mailbox events to HTTP clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/welldanyogia/tempmail-mta/internal/events"
)

// Stream control event types, sent alongside the mailbox events
const (
	EventTypeConnected       = "connected"
	EventTypeHeartbeat       = "heartbeat"
	EventTypeConnectionLimit = "connection_limit"
)

// Config holds stream configuration
type Config struct {
	HeartbeatInterval        time.Duration
	ConnectionTimeout        time.Duration
	MaxConnectionsPerMailbox int
}

// DefaultConfig returns the default stream configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        30 * time.Second,
		ConnectionTimeout:        time.Hour,
		MaxConnectionsPerMailbox: 10,
	}
}

// Connection is one open stream for a mailbox
type Connection struct {
	ID        string
	Mailbox   string
	CreatedAt time.Time

	mu       sync.Mutex // serializes writes from the bus and the heartbeat
	writer   http.ResponseWriter
	flusher  http.Flusher
	lastPing time.Time
	done     chan struct{}
	once     sync.Once
}

// NewConnection wraps w, which must support flushing. Mailbox keys are
// lowercase, matching the keys the notifier publishes under.
func NewConnection(id, mailbox string, w http.ResponseWriter) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingNotSupported
	}
	now := time.Now()
	return &Connection{
		ID:        id,
		Mailbox:   strings.ToLower(strings.TrimSpace(mailbox)),
		CreatedAt: now,
		writer:    w,
		flusher:   flusher,
		lastPing:  now,
		done:      make(chan struct{}),
	}, nil
}

// Send writes event to the stream and flushes it
func (c *Connection) Send(event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if _, err := fmt.Fprint(c.writer, FormatEvent(event)); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close ends the stream; safe to call more than once. Once Close returns no
// further writes reach the response writer.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Done is closed when the connection is closed
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsClosed reports whether Close was called
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

// LastPing returns the time of the last successful heartbeat
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// FormatEvent renders an event in the text/event-stream format
func FormatEvent(event events.Event) string {
	return fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", event.Type, string(event.Data), event.ID)
}
