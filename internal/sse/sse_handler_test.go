package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"pgregory.net/rapid"

	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/events"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
)

type fixture struct {
	srv      *httptest.Server
	bus      *events.InMemoryEventBus
	notifier *events.Notifier
	conns    *ConnectionManager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir, err := directory.ParseStatic("bob@local.test=hunter2")
	if err != nil {
		t.Fatal(err)
	}
	return newFixtureWith(t, cfg, dir)
}

func newFixtureWith(t *testing.T, cfg Config, dir directory.Directory) *fixture {
	t.Helper()
	bus := events.NewEventBus(events.NewEventStore(100), logger.Discard())
	conns := NewConnectionManager(cfg)

	r := chi.NewRouter()
	RegisterRoutes(r, NewHandler(cfg, conns, bus, dir, logger.Discard()))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		conns.CloseAll()
		srv.Close()
	})
	return &fixture{srv: srv, bus: bus, notifier: events.NewNotifier(bus), conns: conns}
}

type streamEvent struct {
	typ, id, data string
}

// stream opens an authenticated stream and returns a channel of parsed events
func (f *fixture) stream(t *testing.T, user, pass, lastID string) (<-chan streamEvent, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events/stream", nil)
	req.SetBasicAuth(user, pass)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	out := make(chan streamEvent, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var ev streamEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				out <- ev
				ev = streamEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out, func() {
		cancel()
		resp.Body.Close()
	}
}

func next(t *testing.T, ch <-chan streamEvent) streamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream ended")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return streamEvent{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamDeliversMailboxEvents(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch, closeStream := f.stream(t, "bob@local.test", "hunter2", "")
	defer closeStream()

	if ev := next(t, ch); ev.typ != EventTypeConnected {
		t.Fatalf("first event = %+v", ev)
	}
	waitFor(t, func() bool { return f.bus.SubscriberCount("bob@local.test") == 1 })

	f.notifier.Notify(context.Background(), "carol@local.test", events.NewMail{Subject: "not yours"})
	f.notifier.Notify(context.Background(), "bob@local.test", events.NewMail{From: "alice@remote.test", Subject: "hello", Filename: "1_ab.eml"})

	ev := next(t, ch)
	if ev.typ != events.EventTypeNewMail || ev.id == "" {
		t.Fatalf("event = %+v", ev)
	}
	var mail events.NewMail
	if err := json.Unmarshal([]byte(ev.data), &mail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mail.Subject != "hello" || mail.Filename != "1_ab.eml" {
		t.Errorf("mail = %+v", mail)
	}

	closeStream()
	waitFor(t, func() bool { return f.bus.SubscriberCount("bob@local.test") == 0 && f.conns.Total() == 0 })
}

// storedCaseDirectory returns the username as stored, like a users table
// holding a mixed-case address
type storedCaseDirectory struct{}

func (storedCaseDirectory) Authenticate(_ context.Context, username, password string) (*directory.Account, error) {
	if !strings.EqualFold(username, "bob@local.test") || password != "hunter2" {
		return nil, directory.ErrInvalidCredentials
	}
	return &directory.Account{ID: "1", Username: "Bob@Local.Test"}, nil
}

func TestStreamMailboxKeyIsCaseInsensitive(t *testing.T) {
	f := newFixtureWith(t, DefaultConfig(), storedCaseDirectory{})
	ch, closeStream := f.stream(t, "BOB@local.test", "hunter2", "")
	defer closeStream()

	next(t, ch)
	waitFor(t, func() bool { return f.bus.SubscriberCount("bob@local.test") == 1 })
	if n := f.conns.Count("bob@local.test"); n != 1 {
		t.Fatalf("streams for bob@local.test = %d", n)
	}

	f.notifier.Notify(context.Background(), "Bob@Local.Test", events.NewMail{Subject: "mixed"})
	if ev := next(t, ch); ev.typ != events.EventTypeNewMail {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStreamReplaysAfterLastEventID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var ids []string
	unsubscribe := f.bus.Subscribe("bob@local.test", func(ev events.Event) { ids = append(ids, ev.ID) })
	for _, s := range []string{"one", "two", "three"} {
		f.notifier.Notify(ctx, "bob@local.test", events.NewMail{Subject: s})
	}
	unsubscribe()

	ch, closeStream := f.stream(t, "bob@local.test", "hunter2", ids[0])
	defer closeStream()

	next(t, ch) // connected
	for _, want := range ids[1:] {
		if ev := next(t, ch); ev.id != want {
			t.Errorf("replayed id = %q, want %q", ev.id, want)
		}
	}
}

func TestStreamRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tests := []struct {
		name string
		auth func(*http.Request)
	}{
		{"missing", func(*http.Request) {}},
		{"wrong password", func(r *http.Request) { r.SetBasicAuth("bob@local.test", "nope") }},
		{"unknown user", func(r *http.Request) { r.SetBasicAuth("eve@local.test", "hunter2") }},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/events/stream", nil)
			tt.auth(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
				t.Errorf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestStreamConnectionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerMailbox = 1
	f := newFixture(t, cfg)

	first, closeFirst := f.stream(t, "bob@local.test", "hunter2", "")
	defer closeFirst()
	next(t, first)

	second, closeSecond := f.stream(t, "bob@local.test", "hunter2", "")
	defer closeSecond()
	next(t, second)

	if ev := next(t, first); ev.typ != EventTypeConnectionLimit {
		t.Fatalf("evicted stream got %+v", ev)
	}
	waitFor(t, func() bool { return f.conns.Count("bob@local.test") == 1 })
}

func TestStreamHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)

	ch, closeStream := f.stream(t, "bob@local.test", "hunter2", "")
	defer closeStream()
	next(t, ch)
	if ev := next(t, ch); ev.typ != EventTypeHeartbeat {
		t.Fatalf("event = %+v", ev)
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
}

func (flushRecorder) Flush() {}

func TestConnectionManagerCleanup(t *testing.T) {
	cm := NewConnectionManager(Config{HeartbeatInterval: time.Second, MaxConnectionsPerMailbox: 5})
	stale, _ := NewConnection("stale", "bob@local.test", flushRecorder{httptest.NewRecorder()})
	fresh, _ := NewConnection("fresh", "bob@local.test", flushRecorder{httptest.NewRecorder()})
	cm.Add(stale)
	cm.Add(fresh)

	now := time.Now()
	stale.touch(now.Add(-time.Minute))
	fresh.touch(now)

	if n := cm.CleanupTimedOut(now); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if !stale.IsClosed() || fresh.IsClosed() {
		t.Error("wrong connection closed")
	}
	if cm.Count("bob@local.test") != 1 {
		t.Errorf("count = %d", cm.Count("bob@local.test"))
	}
}

func TestNewConnectionRequiresFlusher(t *testing.T) {
	var w http.ResponseWriter = struct{ http.ResponseWriter }{httptest.NewRecorder()}
	if _, err := NewConnection("x", "bob@local.test", w); err != ErrStreamingNotSupported {
		t.Errorf("err = %v", err)
	}
}

func TestConnectionManagerNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 5).Draw(t, "limit")
		cm := NewConnectionManager(Config{MaxConnectionsPerMailbox: limit})
		mailboxes := []string{"a@x.test", "b@x.test"}

		var all []*Connection
		n := rapid.IntRange(1, 20).Draw(t, "n")
		base := time.Now()
		for i := 0; i < n; i++ {
			mb := rapid.SampledFrom(mailboxes).Draw(t, "mailbox")
			c, _ := NewConnection(rapid.StringMatching(`[a-f0-9]{12}`).Draw(t, "id")+string(rune('a'+i)), mb, flushRecorder{httptest.NewRecorder()})
			c.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
			cm.Add(c)
			all = append(all, c)

			for _, m := range mailboxes {
				if got := cm.Count(m); got > limit {
					t.Fatalf("%s has %d streams, limit %d", m, got, limit)
				}
			}
		}

		open := 0
		for _, c := range all {
			if !c.IsClosed() {
				open++
			}
		}
		if open != cm.Total() {
			t.Fatalf("open = %d, tracked = %d", open, cm.Total())
		}
	})
}
