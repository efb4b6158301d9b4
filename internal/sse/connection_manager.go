package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/tempmail-mta/internal/events"
)

// ConnectionManager tracks open streams per mailbox
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection // mailbox -> conn id -> conn
	config      Config
}

// NewConnectionManager creates an empty manager
func NewConnectionManager(config Config) *ConnectionManager {
	if config.MaxConnectionsPerMailbox <= 0 {
		config.MaxConnectionsPerMailbox = DefaultConfig().MaxConnectionsPerMailbox
	}
	return &ConnectionManager{
		connections: make(map[string]map[string]*Connection),
		config:      config,
	}
}

// Add registers conn. When the mailbox is at its limit the oldest stream is
// sent a connection_limit event and closed.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns := cm.connections[conn.Mailbox]
	if conns == nil {
		conns = make(map[string]*Connection)
		cm.connections[conn.Mailbox] = conns
	}

	for len(conns) >= cm.config.MaxConnectionsPerMailbox {
		oldest := oldestOf(conns)
		sendControl(oldest, EventTypeConnectionLimit, map[string]string{
			"message": "Too many streams open for this mailbox",
		})
		oldest.Close()
		delete(conns, oldest.ID)
	}
	conns[conn.ID] = conn
}

// Remove closes and forgets a stream
func (cm *ConnectionManager) Remove(mailbox, connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.connections[mailbox]
	if !ok {
		return
	}
	if conn, ok := conns[connID]; ok {
		conn.Close()
		delete(conns, connID)
	}
	if len(conns) == 0 {
		delete(cm.connections, mailbox)
	}
}

// Count returns the number of open streams for a mailbox
func (cm *ConnectionManager) Count(mailbox string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	n := 0
	for _, c := range cm.connections[mailbox] {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// Total returns the number of open streams across mailboxes
func (cm *ConnectionManager) Total() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	n := 0
	for _, conns := range cm.connections {
		n += len(conns)
	}
	return n
}

// CloseAll closes every stream, used on shutdown
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, conns := range cm.connections {
		for _, c := range conns {
			c.Close()
		}
	}
	cm.connections = make(map[string]map[string]*Connection)
}

// CleanupTimedOut removes streams whose last heartbeat is older than twice
// the heartbeat interval
func (cm *ConnectionManager) CleanupTimedOut(now time.Time) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	limit := 2 * cm.config.HeartbeatInterval
	removed := 0
	for mailbox, conns := range cm.connections {
		for id, c := range conns {
			if c.IsClosed() || (limit > 0 && now.Sub(c.LastPing()) > limit) {
				c.Close()
				delete(conns, id)
				removed++
			}
		}
		if len(conns) == 0 {
			delete(cm.connections, mailbox)
		}
	}
	return removed
}

// StartCleanup runs CleanupTimedOut every interval until stop is called
func (cm *ConnectionManager) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				cm.CleanupTimedOut(now)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

func oldestOf(conns map[string]*Connection) *Connection {
	var oldest *Connection
	for _, c := range conns {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest
}

func sendControl(conn *Connection, typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Send(events.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Recipient: conn.Mailbox,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
