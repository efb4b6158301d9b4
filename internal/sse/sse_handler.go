package sse

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/events"
)

// Subscriber is the part of the event bus a stream needs
type Subscriber interface {
	Subscribe(recipient string, handler events.EventHandler) (unsubscribe func())
	GetEventsSince(recipient, lastEventID string) ([]events.Event, error)
}

// Handler serves a mailbox's events to its owner. Clients authenticate with
// HTTP Basic credentials checked against the same directory as SMTP AUTH.
type Handler struct {
	config    Config
	conns     *ConnectionManager
	bus       Subscriber
	directory directory.Directory
	logger    *slog.Logger
}

// NewHandler creates a stream handler
func NewHandler(config Config, conns *ConnectionManager, bus Subscriber, dir directory.Directory, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{config: config, conns: conns, bus: bus, directory: dir, logger: log}
}

// HandleStream holds the request open and writes the mailbox's events until
// the client goes away, the stream is evicted or the connection times out
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		h.writeUnauthorized(w)
		return
	}
	acct, err := h.directory.Authenticate(r.Context(), user, pass)
	if err != nil {
		if !errors.Is(err, directory.ErrInvalidCredentials) {
			h.logger.Error("stream authentication failed", slog.Any("error", err))
		}
		h.writeUnauthorized(w)
		return
	}

	conn, err := NewConnection(uuid.NewString(), acct.Username, w)
	if err != nil {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// streams outlive the listener's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.conns.Add(conn)
	defer h.conns.Remove(conn.Mailbox, conn.ID)

	log := h.logger.With(slog.String("mailbox", conn.Mailbox), slog.String("stream_id", conn.ID))
	log.Debug("event stream opened")

	sendControl(conn, EventTypeConnected, map[string]any{
		"timestamp": time.Now().UTC(),
		"message":   "Connected to mailbox events",
	})

	if last := r.Header.Get("Last-Event-ID"); last != "" {
		h.replay(conn, last)
	}

	unsubscribe := h.bus.Subscribe(conn.Mailbox, func(ev events.Event) {
		if err := conn.Send(ev); err != nil {
			conn.Close()
		}
	})
	defer unsubscribe()
	defer conn.Close()

	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	timeout := time.NewTimer(h.config.ConnectionTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return
		case <-conn.Done():
			return
		case <-timeout.C:
			log.Debug("event stream timed out")
			return
		case now := <-heartbeat.C:
			if err := sendControl(conn, EventTypeHeartbeat, map[string]time.Time{"timestamp": now.UTC()}); err != nil {
				return
			}
			conn.touch(now)
		}
	}
}

// replay sends the events stored after lastEventID
func (h *Handler) replay(conn *Connection, lastEventID string) {
	missed, err := h.bus.GetEventsSince(conn.Mailbox, lastEventID)
	if err != nil {
		return
	}
	for _, ev := range missed {
		if err := conn.Send(ev); err != nil {
			return
		}
	}
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="mailbox events"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    "AUTH_INVALID",
			"message": "Invalid or missing mailbox credentials",
		},
		"timestamp": time.Now().UTC(),
	})
}
