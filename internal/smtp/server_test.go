package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// listen starts srv on a loopback listener, wrapped in TLS when secure
func listen(t *testing.T, srv *Server, tlsConfig *tls.Config) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	secure := tlsConfig != nil
	if secure {
		l = tls.NewListener(l, tlsConfig)
	}
	srv.register(l, secure)
	go srv.serve(l, secure)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return l.Addr()
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	certPath, keyPath, err := GenerateSelfSignedCert("local.test", t.TempDir())
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	cfg, err := LoadTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if err := ValidateTLSConfig(cfg); err != nil {
		t.Fatalf("ValidateTLSConfig: %v", err)
	}
	return cfg
}

func clientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, ServerName: "local.test"}
}

// netConversation wraps a real socket in the conversation helpers
func netConversation(t *testing.T, conn net.Conn) *conversation {
	t.Helper()
	c := &conversation{t: t, conn: conn, tp: textproto.NewConn(conn), done: make(chan struct{})}
	close(c.done)
	t.Cleanup(func() { conn.Close() })
	return c
}

func dial(t *testing.T, addr net.Addr) *conversation {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return netConversation(t, conn)
}

func TestServerStartTLS(t *testing.T) {
	h := &recordingHandler{}
	srv := testServer(h, nil)
	srv.tlsConfig = testTLSConfig(t)
	addr := listen(t, srv, nil)

	c := dial(t, addr)
	c.expect(CodeServiceReady)
	if ehlo := c.must("EHLO c.test", CodeOK); !strings.Contains(ehlo, "STARTTLS") {
		t.Fatalf("EHLO reply %q lacks STARTTLS", ehlo)
	}

	// the NOOP pipelined behind STARTTLS must be discarded
	c.send("STARTTLS\r\nNOOP\r\n")
	c.expect(CodeServiceReady)

	tlsConn := tls.Client(c.conn, clientTLS())
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	tlsConn.SetDeadline(time.Time{})
	sc := netConversation(t, tlsConn)

	sc.must("MAIL FROM:<a@remote.test>", CodeBadSequence)
	if ehlo := sc.must("EHLO c.test", CodeOK); strings.Contains(ehlo, "STARTTLS") {
		t.Errorf("STARTTLS advertised on a secure session: %q", ehlo)
	}
	sc.must("STARTTLS", CodeBadSequence)
	sc.must("MAIL FROM:<a@remote.test>", CodeOK)
	sc.must("RCPT TO:<bob@local.test>", CodeOK)
	sc.must("DATA", CodeStartMailInput)
	sc.send("Subject: secure\r\n\r\nhi\r\n.\r\n")
	sc.expect(CodeOK)
	sc.must("QUIT", CodeServiceClosing)

	envs := h.received()
	if len(envs) != 1 {
		t.Fatalf("handler saw %d messages", len(envs))
	}
	if !strings.Contains(string(envs[0].Data), " with ESMTPS id ") {
		t.Errorf("Received header does not mark TLS: %q", envs[0].Data)
	}
	if envs[0].RemoteIP != "127.0.0.1" {
		t.Errorf("RemoteIP = %q", envs[0].RemoteIP)
	}
}

func TestServerImplicitTLS(t *testing.T) {
	h := &recordingHandler{}
	srv := testServer(h, nil)
	srv.tlsConfig = testTLSConfig(t)
	addr := listen(t, srv, srv.tlsConfig)

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", addr.String(), clientTLS())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := netConversation(t, conn)
	c.expect(CodeServiceReady)
	if ehlo := c.must("EHLO c.test", CodeOK); strings.Contains(ehlo, "STARTTLS") {
		t.Errorf("STARTTLS advertised on implicit TLS: %q", ehlo)
	}
	c.must("STARTTLS", CodeBadSequence)
	c.must("MAIL FROM:<a@remote.test>", CodeOK)
	c.must("RCPT TO:<bob@local.test>", CodeOK)
	c.must("DATA", CodeStartMailInput)
	c.send("x\r\n.\r\n")
	c.expect(CodeOK)

	if !strings.Contains(string(h.received()[0].Data), " with ESMTPS id ") {
		t.Error("implicit TLS session not marked secure")
	}
}

func TestServerImplicitTLSHandshakeTimeout(t *testing.T) {
	srv := testServer(&recordingHandler{}, func(c *Config) { c.IdleTimeout = 300 * time.Millisecond })
	srv.tlsConfig = testTLSConfig(t)
	addr := listen(t, srv, srv.tlsConfig)

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// never send a ClientHello; the server must drop the connection
	start := time.Now()
	conn.SetReadDeadline(start.Add(3 * time.Second))
	buf := make([]byte, 512)
	for err == nil {
		_, err = conn.Read(buf)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("server held a silent connection open")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("connection dropped after %v", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("active connections = %d", srv.ActiveConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerConnectionLimits(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
		text  string
	}{
		{
			name:  "per IP",
			tweak: func(c *Config) { c.MaxConnectionsPerIP = 1 },
			text:  "4.7.0 Too many connections from your IP, try again later",
		},
		{
			name:  "global",
			tweak: func(c *Config) { c.MaxConnections = 1 },
			text:  "4.7.0 Too many connections, try again later",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&recordingHandler{}, tt.tweak)
			addr := listen(t, srv, nil)

			first := dial(t, addr)
			first.expect(CodeServiceReady)

			second := dial(t, addr)
			if msg := second.expect(CodeServiceUnavailable); msg != tt.text {
				t.Errorf("rejection = %q, want %q", msg, tt.text)
			}

			// the first session is unaffected and its slot is released on QUIT
			first.must("QUIT", CodeServiceClosing)
			deadline := time.Now().Add(2 * time.Second)
			for srv.ActiveConnections() != 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if n := srv.ActiveConnections(); n != 0 {
				t.Fatalf("ActiveConnections = %d after QUIT", n)
			}
			if n := srv.IPConnections("127.0.0.1"); n != 0 {
				t.Fatalf("IPConnections = %d after QUIT", n)
			}
			dial(t, addr).expect(CodeServiceReady)
		})
	}
}

func TestServerRateLimit(t *testing.T) {
	srv := testServer(&recordingHandler{}, func(c *Config) { c.RateLimitPerMinute = 2 })
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	srv.now = func() time.Time { return now }
	addr := listen(t, srv, nil)

	for i := 0; i < 2; i++ {
		c := dial(t, addr)
		c.expect(CodeServiceReady)
		c.must("QUIT", CodeServiceClosing)
	}
	c := dial(t, addr)
	if msg := c.expect(CodeServiceUnavailable); !strings.Contains(msg, "from your IP") {
		t.Errorf("rate limit reply = %q", msg)
	}
}

func TestServerRateLimitWindow(t *testing.T) {
	srv := testServer(nil, func(c *Config) { c.RateLimitPerMinute = 1 })
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	srv.now = func() time.Time { return now }

	if !srv.checkRateLimit("192.0.2.7") {
		t.Fatal("first attempt limited")
	}
	if srv.checkRateLimit("192.0.2.7") {
		t.Fatal("second attempt in the same minute allowed")
	}
	if !srv.checkRateLimit("192.0.2.8") {
		t.Fatal("limit leaked to another IP")
	}
	now = now.Add(time.Minute + time.Second)
	if !srv.checkRateLimit("192.0.2.7") {
		t.Fatal("attempt after the window limited")
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := testServer(&recordingHandler{}, func(c *Config) { c.Port = 0 })
	if err := srv.PerformEHLOCheck(context.Background()); err == nil {
		t.Fatal("EHLO check passed before Start")
	}
	if h := srv.HealthCheck(); h.Status != "unhealthy" || h.Running {
		t.Fatalf("health before Start = %+v", h)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.PerformEHLOCheck(ctx); err != nil {
		t.Fatalf("PerformEHLOCheck: %v", err)
	}
	h := srv.HealthCheck()
	if h.Status != "healthy" || !h.Running || h.Domain != "local.test" || h.TLSEnabled {
		t.Errorf("health = %+v", h)
	}

	open := dial(t, srv.Addr())
	open.expect(CodeServiceReady)

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning after Stop")
	}
	open.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := open.tp.ReadLine(); err == nil {
		t.Error("open connection survived Stop")
	}
	if err := srv.PerformEHLOCheck(ctx); err == nil {
		t.Error("EHLO check passed after Stop")
	}
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestReplyString(t *testing.T) {
	r := Reply{Code: CodeOK, Lines: []string{"local.test Hello", "SIZE 10", "HELP"}}
	want := "250-local.test Hello\r\n250-SIZE 10\r\n250 HELP\r\n"
	if got := r.String(); got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if got := reply(CodeTempFailure, "4.3.0 %s", "busy").String(); got != "451 4.3.0 busy\r\n" {
		t.Errorf("String = %q", got)
	}
}
