package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/welldanyogia/tempmail-mta/internal/config"
	"github.com/welldanyogia/tempmail-mta/internal/delivery"
	"github.com/welldanyogia/tempmail-mta/internal/events"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
	"github.com/welldanyogia/tempmail-mta/internal/status"
	"github.com/welldanyogia/tempmail-mta/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.SMTP.Domain = "local.test"
	cfg.Storage.Backend = "file"
	cfg.Storage.Root = t.TempDir()
	cfg.Status.Backend = "memory"
	cfg.Directory.Backend = "static"
	cfg.Directory.StaticUsers = "alice@local.test=s3cret"
	cfg.Delivery.DNSServer = "127.0.0.1:53"
	cfg.Events.AMQPURL = ""
	return cfg
}

func TestNewSubmitsLocalMail(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	var got []events.Event
	unsubscribe := a.Bus.Subscribe("bob@local.test", func(ev events.Event) { got = append(got, ev) })
	defer unsubscribe()

	sub, err := a.Engine.Submit(context.Background(), delivery.Outgoing{
		From:    "alice@local.test",
		To:      []string{"bob@local.test"},
		Subject: "hello",
		Text:    "hi bob",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out := sub.Outcomes["bob@local.test"]
	if out == nil || !out.Local || out.State != status.Success {
		t.Fatalf("outcome = %+v", out)
	}

	if len(got) != 1 || got[0].Type != events.EventTypeNewMail {
		t.Fatalf("events = %+v", got)
	}
	var mail events.NewMail
	if err := json.Unmarshal(got[0].Data, &mail); err != nil {
		t.Fatalf("decode new_mail: %v", err)
	}

	fs := a.Store.(*storage.FileStore)
	raw, err := fs.Load(context.Background(), "bob@local.test", storage.CategoryInbox, mail.Filename)
	if err != nil {
		t.Fatalf("Load inbox copy: %v", err)
	}
	if !strings.Contains(string(raw), "Subject: hello\r\n") {
		t.Errorf("inbox copy = %q", raw)
	}
	if _, err := fs.Load(context.Background(), "alice@local.test", storage.CategorySent, sub.Filename); err != nil {
		t.Errorf("Load sent copy: %v", err)
	}

	if _, err := a.Directory.Authenticate(context.Background(), "alice@local.test", "s3cret"); err != nil {
		t.Errorf("Authenticate: %v", err)
	}
}

func TestNewBadgerTracker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Status.Backend = "badger"
	cfg.Status.BadgerPath = ""

	a, err := New(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.Tracker.(*status.BadgerTracker); !ok {
		t.Errorf("tracker = %T", a.Tracker)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*config.Config)
	}{
		{"storage", func(c *config.Config) { c.Storage.Backend = "tape" }},
		{"status", func(c *config.Config) { c.Status.Backend = "etcd" }},
		{"directory", func(c *config.Config) { c.Directory.Backend = "ldap" }},
		{"static users", func(c *config.Config) { c.Directory.StaticUsers = "alice@local.test" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.tweak(cfg)
			if a, err := New(context.Background(), cfg, logger.Discard()); err == nil {
				a.Close()
				t.Fatal("New succeeded")
			}
		})
	}
}
