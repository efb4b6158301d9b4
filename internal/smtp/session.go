package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/tempmail-mta/internal/logger"
	"github.com/welldanyogia/tempmail-mta/internal/metrics"
)

const tlsHandshakeTimeout = 30 * time.Second

// Session is one accepted SMTP connection. It is owned by the goroutine
// running Run and is not safe for concurrent use.
type Session struct {
	id       string
	srv      *Server
	conn     net.Conn
	w        *bufio.Writer
	remoteIP string
	secure   bool
	logger   *slog.Logger

	state      State
	esmtp      bool
	clientHost string
	from       string
	to         []string

	authState     AuthState
	authMech      string
	pendingUser   string
	authenticated bool
	username      string
	userID        string

	// in holds unconsumed input: a partial command line outside DATA,
	// the message being received in DATA.
	in          []byte
	scanFrom    int
	dataDropped int64
	skipLine    bool

	quit    bool
	upgrade bool
}

func newSession(srv *Server, conn net.Conn, secure bool, remoteIP string) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		srv:      srv,
		conn:     conn,
		w:        bufio.NewWriter(conn),
		remoteIP: remoteIP,
		secure:   secure,
		logger:   srv.logger.With(slog.String("session_id", id), slog.String("remote_ip", remoteIP)),
		state:    StateGreeting,
	}
}

// ID returns the session id used in logs and the Received header
func (s *Session) ID() string { return s.id }

// State returns the current envelope state
func (s *Session) State() State { return s.state }

// Run writes the greeting and processes input until QUIT, idle timeout, or a
// transport error. The connection is closed on return.
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	if tc, ok := s.conn.(*tls.Conn); ok {
		if err := s.handshake(tc); err != nil {
			s.logger.Warn("TLS handshake failed", slog.Any("error", err))
			return
		}
	}

	s.send(reply(CodeServiceReady, "%s ESMTP Ready", s.srv.cfg.Domain))

	buf := make([]byte, 32*1024)
	for {
		if idle := s.srv.cfg.IdleTimeout; idle > 0 {
			s.conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := s.conn.Read(buf)
		if n > 0 && s.feed(ctx, buf[:n]) {
			if s.quit {
				return
			}
			if s.upgrade {
				if err := s.startTLS(); err != nil {
					s.logger.Warn("STARTTLS handshake failed", slog.Any("error", err))
					return
				}
				continue
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Info("idle timeout")
				s.send(reply(CodeServiceUnavailable, "4.4.2 %s Idle timeout, closing connection", s.srv.cfg.Domain))
			}
			return
		}
	}
}

// feed consumes one chunk of input. It returns true when the session must stop
// reading commands: after QUIT or before a STARTTLS handshake. Bytes pipelined
// after either are discarded.
func (s *Session) feed(ctx context.Context, chunk []byte) bool {
	s.in = append(s.in, chunk...)
	for {
		if s.state == StateData {
			if !s.consumeData(ctx) {
				return false
			}
			continue
		}

		line, rest, ok := nextLine(s.in)
		if !ok {
			if len(s.in) > maxLineLength {
				s.in = s.in[:0]
				s.skipLine = true
				s.send(reply(CodeLineTooLong, "5.5.6 Line too long"))
			}
			return false
		}
		s.in = rest

		if s.skipLine {
			s.skipLine = false
			continue
		}
		if len(line) > maxLineLength {
			s.send(reply(CodeLineTooLong, "5.5.6 Line too long"))
			continue
		}
		if len(line) == 0 && s.authState == authNone {
			continue
		}
		if s.handleLine(ctx, string(line)) {
			s.in = nil
			return true
		}
	}
}

// consumeData looks for the end-of-data marker. It returns false when more
// input is needed.
func (s *Session) consumeData(ctx context.Context) bool {
	limit := s.srv.cfg.MaxMessageSize
	bodyLen, next, ok := findEndOfData(s.in, s.scanFrom, s.dataDropped == 0)
	if !ok {
		s.scanFrom = max(0, len(s.in)-len(endOfData)+1)
		if limit > 0 && int64(len(s.in)) > limit && len(s.in) >= len(endOfData) {
			keep := len(endOfData) - 1
			s.dataDropped += int64(len(s.in) - keep)
			s.in = append(s.in[:0], s.in[len(s.in)-keep:]...)
			s.scanFrom = 0
		}
		return false
	}

	size := s.dataDropped + int64(bodyLen)
	if s.dataDropped > 0 || (limit > 0 && size > limit) {
		s.logger.Warn("message exceeds size limit", slog.Int64("size", size), slog.Int64("limit", limit))
		metrics.SMTPMessagesRejected.WithLabelValues("too_large").Inc()
		s.send(reply(CodeMessageTooLarge, "5.3.4 Message size exceeds fixed maximum message size"))
	} else {
		body := unstuff(s.in[:bodyLen])
		s.completeData(ctx, body)
	}

	s.in = append([]byte(nil), s.in[next:]...)
	s.resetEnvelope()
	return true
}

// completeData hands the received message to the MessageHandler and writes the outcome reply
func (s *Session) completeData(ctx context.Context, body []byte) {
	now := s.srv.now()
	raw := append(s.receivedHeader(now), body...)
	env := &Envelope{
		SessionID:     s.id,
		RemoteIP:      s.remoteIP,
		From:          s.from,
		To:            append([]string(nil), s.to...),
		Data:          raw,
		Authenticated: s.authenticated,
		Username:      s.username,
		ReceivedAt:    now.UTC(),
	}

	ctx = logger.SetCorrelationID(ctx, s.id)
	res, err := s.process(ctx, env)
	switch {
	case err != nil:
		s.logger.Error("message processing failed", slog.Any("error", err))
		metrics.SMTPMessagesRejected.WithLabelValues("error").Inc()
		s.send(reply(CodeTempFailure, "4.3.0 Error processing message, try again later"))
	case res.Delivered > 0:
		s.logger.Info("message accepted",
			slog.String("from", env.From),
			slog.Int("delivered", res.Delivered),
			slog.Int("recipients", res.Total),
			slog.Int("size", len(raw)),
		)
		metrics.SMTPMessagesAccepted.Inc()
		s.send(reply(CodeOK, "2.0.0 Message accepted for delivery (%d/%d recipients)", res.Delivered, res.Total))
	default:
		s.logger.Warn("message rejected", slog.String("from", env.From), slog.Int("recipients", res.Total))
		metrics.SMTPMessagesRejected.WithLabelValues("undeliverable").Inc()
		s.send(reply(CodeRejected, "5.7.1 Message rejected (0/%d recipients)", res.Total))
	}
}

func (s *Session) process(ctx context.Context, env *Envelope) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("smtp: panic while processing message: %v", r)
		}
	}()
	if s.srv.handler == nil {
		return Result{}, errors.New("smtp: no message handler configured")
	}
	return s.srv.handler.Handle(ctx, env)
}

func (s *Session) receivedHeader(now time.Time) []byte {
	proto := "SMTP"
	if s.esmtp {
		proto = "ESMTP"
	}
	if s.secure {
		proto += "S"
	}
	if s.authenticated {
		proto += "A"
	}
	host := s.clientHost
	if host == "" {
		host = "unknown"
	}
	return fmt.Appendf(nil, "Received: from %s (%s) by %s with %s id %s; %s\r\n",
		host, s.remoteIP, s.srv.cfg.Domain, proto, s.id, now.Format(time.RFC1123Z))
}

// handleLine dispatches one command line. It returns true when reading must stop.
func (s *Session) handleLine(ctx context.Context, line string) bool {
	if s.authState != authNone {
		s.handleAuthLine(ctx, line)
		return false
	}

	verb, args := parseCommand(line)
	metrics.SMTPCommandsTotal.WithLabelValues(metricVerb(verb)).Inc()

	switch verb {
	case "HELO":
		s.handleHELO(args, false)
	case "EHLO":
		s.handleHELO(args, true)
	case "AUTH":
		s.handleAUTH(ctx, args)
	case "MAIL":
		s.handleMAIL(args)
	case "RCPT":
		s.handleRCPT(args)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetEnvelope()
		s.send(reply(CodeOK, "2.0.0 OK"))
	case "NOOP":
		s.send(reply(CodeOK, "2.0.0 OK"))
	case "QUIT":
		s.send(reply(CodeServiceClosing, "2.0.0 %s closing connection", s.srv.cfg.Domain))
		s.quit = true
		return true
	case "STARTTLS":
		return s.handleSTARTTLS()
	default:
		s.send(reply(CodeNotImplemented, "5.5.2 Command not recognized"))
	}
	return false
}

func (s *Session) handleHELO(host string, extended bool) {
	if host == "" {
		verb := "HELO"
		if extended {
			verb = "EHLO"
		}
		s.send(reply(CodeSyntaxErrorParams, "5.5.4 Syntax: %s hostname", verb))
		return
	}

	s.clientHost = host
	s.esmtp = extended
	s.resetEnvelope()

	if !extended {
		s.send(reply(CodeOK, "%s Hello %s", s.srv.cfg.Domain, host))
		return
	}

	lines := []string{
		fmt.Sprintf("%s Hello %s", s.srv.cfg.Domain, host),
		fmt.Sprintf("SIZE %d", s.srv.cfg.MaxMessageSize),
		"8BITMIME",
		"AUTH PLAIN LOGIN",
	}
	if s.srv.tlsConfig != nil && !s.secure {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "HELP")
	s.send(Reply{Code: CodeOK, Lines: lines})
}

func (s *Session) handleMAIL(args string) {
	switch s.state {
	case StateGreeting:
		s.send(reply(CodeBadSequence, "5.5.1 Send HELO/EHLO first"))
		return
	case StateMail, StateRcpt:
		s.send(reply(CodeBadSequence, "5.5.1 Nested MAIL command"))
		return
	}

	addr, size, ok := parseMailFrom(args)
	if !ok {
		s.send(reply(CodeSyntaxErrorParams, "5.5.4 Syntax: MAIL FROM:<address>"))
		return
	}
	if !ValidateEmailAddress(addr) {
		s.send(reply(CodeSyntaxErrorParams, "5.1.7 Invalid sender address"))
		return
	}
	if limit := s.srv.cfg.MaxMessageSize; limit > 0 && size > limit {
		s.send(reply(CodeMessageTooLarge, "5.3.4 Message size exceeds fixed maximum message size"))
		return
	}

	s.from = addr
	s.to = nil
	s.state = StateMail
	s.send(reply(CodeOK, "2.1.0 Sender OK"))
}

func (s *Session) handleRCPT(args string) {
	if s.state != StateMail && s.state != StateRcpt {
		s.send(reply(CodeBadSequence, "5.5.1 Send MAIL FROM first"))
		return
	}

	addr, ok := parseRcptTo(args)
	if !ok {
		s.send(reply(CodeSyntaxErrorParams, "5.5.4 Syntax: RCPT TO:<address>"))
		return
	}
	if !ValidateEmailAddress(addr) {
		s.send(reply(CodeSyntaxErrorParams, "5.1.3 Invalid recipient address"))
		return
	}
	if !s.authenticated && !IsLocal(addr, s.srv.cfg.Domain) {
		s.logger.Warn("relay denied", slog.String("recipient", addr))
		s.send(reply(CodeRejected, "5.7.1 Relay not permitted"))
		return
	}

	for _, rcpt := range s.to {
		if strings.EqualFold(rcpt, addr) {
			s.send(reply(CodeOK, "2.1.5 Recipient OK"))
			return
		}
	}
	if limit := s.srv.cfg.MaxRecipients; limit > 0 && len(s.to) >= limit {
		s.send(reply(CodeInsufficientSpace, "4.5.3 Too many recipients"))
		return
	}

	s.to = append(s.to, addr)
	s.state = StateRcpt
	s.send(reply(CodeOK, "2.1.5 Recipient OK"))
}

func (s *Session) handleDATA() {
	if s.state != StateRcpt || len(s.to) == 0 {
		s.send(reply(CodeBadSequence, "5.5.1 Send RCPT TO first"))
		return
	}
	s.state = StateData
	s.scanFrom = 0
	s.dataDropped = 0
	s.send(reply(CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>"))
}

func (s *Session) handleSTARTTLS() bool {
	if s.srv.tlsConfig == nil {
		s.send(reply(CodeNotImplemented, "5.5.1 STARTTLS not available"))
		return false
	}
	if s.secure {
		s.send(reply(CodeBadSequence, "5.5.1 TLS already active"))
		return false
	}
	s.send(reply(CodeServiceReady, "2.0.0 Ready to start TLS"))
	s.upgrade = true
	return true
}

// startTLS performs the server handshake on the current socket and resets the
// session to its post-greeting state.
// handshake completes the TLS handshake of an implicit-TLS connection, bounded
// by the idle timeout so a silent client cannot hold a connection slot
func (s *Session) handshake(tc *tls.Conn) error {
	timeout := tlsHandshakeTimeout
	if idle := s.srv.cfg.IdleTimeout; idle > 0 && idle < timeout {
		timeout = idle
	}
	tc.SetDeadline(time.Now().Add(timeout))
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("smtp: tls handshake: %w", err)
	}
	tc.SetDeadline(time.Time{})
	return nil
}

func (s *Session) startTLS() error {
	s.upgrade = false

	tlsConn := tls.Server(s.conn, s.srv.tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		metrics.SMTPTLSUpgrades.WithLabelValues("failure").Inc()
		return fmt.Errorf("smtp: tls handshake: %w", err)
	}
	tlsConn.SetDeadline(time.Time{})

	st := tlsConn.ConnectionState()
	s.logger.Info("TLS established",
		slog.String("version", tls.VersionName(st.Version)),
		slog.String("cipher", tls.CipherSuiteName(st.CipherSuite)),
	)
	metrics.SMTPTLSUpgrades.WithLabelValues("success").Inc()

	s.conn = tlsConn
	s.w = bufio.NewWriter(tlsConn)
	s.secure = true
	s.in = nil
	s.clientHost = ""
	s.esmtp = false
	s.clearAuth()
	s.resetEnvelope()
	s.state = StateGreeting
	return nil
}

// resetEnvelope clears the transaction and returns to READY
func (s *Session) resetEnvelope() {
	s.from = ""
	s.to = nil
	s.scanFrom = 0
	s.dataDropped = 0
	s.state = StateReady
}

func (s *Session) send(r Reply) {
	if _, err := s.w.WriteString(r.String()); err != nil {
		s.logger.Debug("write reply failed", slog.Any("error", err))
		return
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Debug("flush reply failed", slog.Any("error", err))
	}
}

func (s *Session) close() {
	if s.srv.sessions != nil {
		s.srv.sessions.Delete(s.id)
	}
	s.conn.Close()
}
