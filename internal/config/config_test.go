package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.SMTP.Port != 25 || cfg.SMTP.TLSPort != 465 {
		t.Errorf("unexpected ports: %d/%d", cfg.SMTP.Port, cfg.SMTP.TLSPort)
	}
	if cfg.SMTP.IdleTimeout != 300*time.Second {
		t.Errorf("idle timeout = %v", cfg.SMTP.IdleTimeout)
	}
	if cfg.SMTP.MaxMessageSize != 52428800 {
		t.Errorf("max message size = %d", cfg.SMTP.MaxMessageSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SMTP_DOMAIN", "mail.example.org")
	t.Setenv("SMTP_IDLE_TIMEOUT", "90")
	t.Setenv("DELIVERY_TIMEOUT", "2m")
	t.Setenv("SMTP_TLS_ENABLED", "yes")
	t.Setenv("SMTP_TLS_CERT_FILE", "/etc/mta/cert.pem")
	t.Setenv("SMTP_TLS_KEY_FILE", "/etc/mta/key.pem")

	cfg := Load()
	if cfg.SMTP.Domain != "mail.example.org" {
		t.Errorf("domain = %q", cfg.SMTP.Domain)
	}
	if cfg.SMTP.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout = %v", cfg.SMTP.IdleTimeout)
	}
	if cfg.Delivery.Timeout != 2*time.Minute {
		t.Errorf("delivery timeout = %v", cfg.Delivery.Timeout)
	}
	if !cfg.SMTP.TLSEnabled {
		t.Error("TLS should be enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Config)
		field string
	}{
		{"tls without cert", func(c *Config) { c.SMTP.TLSEnabled = true }, "TLSCertFile"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "ftp" }, "Backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Endpoint = "minio:9000" }, "Bucket"},
		{"badger without path", func(c *Config) { c.Status.Backend = "badger"; c.Status.BadgerPath = "" }, "BadgerPath"},
		{"bad domain", func(c *Config) { c.SMTP.Domain = "not a host" }, "Domain"},
		{"zero recipients", func(c *Config) { c.SMTP.MaxRecipients = 0 }, "MaxRecipients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.apply(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "mta", Password: "pw", DBName: "mail", SSLMode: "disable"}
	if got := d.URL(); got != "postgres://mta:pw@db:5432/mail?sslmode=disable" {
		t.Errorf("URL() = %q", got)
	}
	if !strings.Contains(d.DSN(), "dbname=mail") {
		t.Errorf("DSN() = %q", d.DSN())
	}
}
