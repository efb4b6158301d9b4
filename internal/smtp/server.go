// Package smtp implements the reception engine: SMTP listeners and the
// per-connection command state machine.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/metrics"
	"github.com/welldanyogia/tempmail-mta/internal/sessioncache"
)

// MessageHandler receives every completed mail transaction
type MessageHandler interface {
	Handle(ctx context.Context, env *Envelope) (Result, error)
}

// Options wires the collaborators of a Server
type Options struct {
	TLSConfig *tls.Config
	Handler   MessageHandler
	Directory directory.Directory
	Sessions  *sessioncache.Cache[AuthRecord]
	Logger    *slog.Logger
}

// Server accepts SMTP connections on a plaintext and an implicit-TLS listener
type Server struct {
	cfg       *Config
	tlsConfig *tls.Config
	handler   MessageHandler
	directory directory.Directory
	sessions  *sessioncache.Cache[AuthRecord]
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	plainAddr net.Addr
	conns     map[net.Conn]struct{}

	activeConns   int64
	ipConnections map[string]int
	ipConnMu      sync.RWMutex

	// connections per minute per IP
	ipRateLimit map[string]*rateLimitEntry
	ipRateMu    sync.Mutex

	running atomic.Bool
	wg      sync.WaitGroup
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewServer creates a reception engine; call Start or Serve to accept connections
func NewServer(cfg *Config, opts Options) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		tlsConfig:     opts.TLSConfig,
		handler:       opts.Handler,
		directory:     opts.Directory,
		sessions:      opts.Sessions,
		logger:        log.With(slog.String("component", "smtp")),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[net.Conn]struct{}),
		ipConnections: make(map[string]int),
		ipRateLimit:   make(map[string]*rateLimitEntry),
	}
}

// Start opens the plaintext listener and, when TLS is configured with a port,
// the implicit-TLS listener.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	plain, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: listen on %s: %w", addr, err)
	}

	var secure net.Listener
	if s.tlsConfig != nil && s.cfg.TLSPort > 0 {
		tlsAddr := fmt.Sprintf(":%d", s.cfg.TLSPort)
		secure, err = tls.Listen("tcp", tlsAddr, s.tlsConfig)
		if err != nil {
			plain.Close()
			return fmt.Errorf("smtp: listen on %s: %w", tlsAddr, err)
		}
	}

	s.register(plain, false)
	go s.serve(plain, false)
	if secure != nil {
		s.register(secure, true)
		go s.serve(secure, true)
	}
	return nil
}

// Serve accepts connections from l until the server stops. Connections from a
// secure listener are treated as already encrypted.
func (s *Server) Serve(l net.Listener, secure bool) error {
	s.register(l, secure)
	return s.serve(l, secure)
}

func (s *Server) register(l net.Listener, secure bool) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	if !secure {
		s.plainAddr = l.Addr()
	}
	s.mu.Unlock()
	s.running.Store(true)
}

func (s *Server) serve(l net.Listener, secure bool) error {
	s.logger.Info("SMTP listener started", slog.String("addr", l.Addr().String()), slog.Bool("tls", secure))

	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn, secure)
	}
}

// Stop closes both listeners, destroys every tracked connection and waits for
// the connection handlers until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("SMTP server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp: shutdown: %w", ctx.Err())
	}
}

func (s *Server) handleConnection(conn net.Conn, secure bool) {
	defer s.wg.Done()

	remoteIP := hostOf(conn.RemoteAddr())

	if !s.checkRateLimit(remoteIP) {
		s.reject(conn, "rate_limit", "4.7.0 Too many connections from your IP, try again later")
		return
	}
	if !s.acquireConnection() {
		s.reject(conn, "max_connections", "4.7.0 Too many connections, try again later")
		return
	}
	defer s.releaseConnection()
	if !s.acquireIPConnection(remoteIP) {
		s.reject(conn, "max_per_ip", "4.7.0 Too many connections from your IP, try again later")
		return
	}
	defer s.releaseIPConnection(remoteIP)

	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	listener := "plain"
	if secure {
		listener = "tls"
	}
	metrics.SMTPConnectionsTotal.WithLabelValues(listener).Inc()
	metrics.SMTPConnectionsActive.Inc()
	defer metrics.SMTPConnectionsActive.Dec()

	sess := newSession(s, conn, secure, remoteIP)
	sess.logger.Info("connection accepted", slog.String("listener", listener))
	start := time.Now()
	sess.Run(s.ctx)
	sess.logger.Info("connection closed", slog.Duration("duration", time.Since(start)))
}

func (s *Server) reject(conn net.Conn, reason, text string) {
	metrics.SMTPConnectionsRejected.WithLabelValues(reason).Inc()
	s.logger.Warn("connection rejected", slog.String("remote_ip", hostOf(conn.RemoteAddr())), slog.String("reason", reason))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(reply(CodeServiceUnavailable, "%s", text).String()))
	conn.Close()
}

// track adds conn to the connection set; false once the server is stopping
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// acquireConnection attempts to acquire a global connection slot
func (s *Server) acquireConnection() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if current >= int64(s.cfg.MaxConnections) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseConnection() {
	atomic.AddInt64(&s.activeConns, -1)
}

// acquireIPConnection attempts to acquire a per-IP connection slot
func (s *Server) acquireIPConnection(ip string) bool {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()

	count := s.ipConnections[ip]
	if count >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConnections[ip] = count + 1
	return true
}

func (s *Server) releaseIPConnection(ip string) {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()

	count := s.ipConnections[ip]
	if count <= 1 {
		delete(s.ipConnections, ip)
	} else {
		s.ipConnections[ip] = count - 1
	}
}

// checkRateLimit counts a connection attempt; false once the IP exceeded
// RateLimitPerMinute in the current window.
func (s *Server) checkRateLimit(ip string) bool {
	s.ipRateMu.Lock()
	defer s.ipRateMu.Unlock()

	now := s.now()
	if len(s.ipRateLimit) > 4096 {
		for k, e := range s.ipRateLimit {
			if now.After(e.resetTime) {
				delete(s.ipRateLimit, k)
			}
		}
	}

	entry, ok := s.ipRateLimit[ip]
	if !ok || now.After(entry.resetTime) {
		s.ipRateLimit[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(time.Minute)}
		return true
	}
	if entry.count >= s.cfg.RateLimitPerMinute {
		return false
	}
	entry.count++
	return true
}

// ActiveConnections returns the number of sessions holding a connection slot
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// IPConnections returns the number of open connections from ip
func (s *Server) IPConnections(ip string) int {
	s.ipConnMu.RLock()
	defer s.ipConnMu.RUnlock()
	return s.ipConnections[ip]
}

// IsRunning reports whether the server accepts connections
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the plaintext listener address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainAddr
}

// HealthStatus is a snapshot of the reception engine
type HealthStatus struct {
	Status            string `json:"status"`
	Running           bool   `json:"running"`
	ActiveConns       int64  `json:"active_connections"`
	MaxConns          int    `json:"max_connections"`
	AuthenticatedSess int    `json:"authenticated_sessions"`
	TLSEnabled        bool   `json:"tls_enabled"`
	Domain            string `json:"domain"`
	Port              int    `json:"port"`
}

// HealthCheck returns the current health snapshot
func (s *Server) HealthCheck() HealthStatus {
	h := HealthStatus{
		Status:      "unhealthy",
		Running:     s.running.Load(),
		ActiveConns: s.ActiveConnections(),
		MaxConns:    s.cfg.MaxConnections,
		TLSEnabled:  s.tlsConfig != nil,
		Domain:      s.cfg.Domain,
		Port:        s.cfg.Port,
	}
	if h.Running {
		h.Status = "healthy"
	}
	if s.sessions != nil {
		h.AuthenticatedSess = s.sessions.Len()
	}
	return h
}

// PerformEHLOCheck connects to the plaintext listener and expects a 220
// greeting and a 250 EHLO reply.
func (s *Server) PerformEHLOCheck(ctx context.Context) error {
	if !s.running.Load() {
		return errors.New("smtp: server is not running")
	}
	addr := s.Addr()
	if addr == nil {
		return errors.New("smtp: no plaintext listener")
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Errorf("smtp: listener address: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", port))
	if err != nil {
		return fmt.Errorf("smtp: connect: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	tc := textproto.NewConn(conn)
	if _, _, err := tc.ReadResponse(CodeServiceReady); err != nil {
		return fmt.Errorf("smtp: greeting: %w", err)
	}
	if _, err := tc.Cmd("EHLO healthcheck"); err != nil {
		return fmt.Errorf("smtp: send EHLO: %w", err)
	}
	if _, _, err := tc.ReadResponse(CodeOK); err != nil {
		return fmt.Errorf("smtp: EHLO: %w", err)
	}
	if _, err := tc.Cmd("QUIT"); err != nil {
		s.logger.Debug("health check QUIT failed", slog.Any("error", err))
	}
	return nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
