package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/welldanyogia/tempmail-mta/internal/metrics"
)

const authTimeout = 10 * time.Second

// Base64 challenges of AUTH LOGIN
const (
	promptUsername = "VXNlcm5hbWU6" // "Username:"
	promptPassword = "UGFzc3dvcmQ6" // "Password:"
)

func (s *Session) handleAUTH(ctx context.Context, args string) {
	if s.authenticated {
		s.send(reply(CodeBadSequence, "5.5.1 Already authenticated"))
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		s.send(reply(CodeSyntaxErrorParams, "5.5.4 Syntax: AUTH mechanism [initial-response]"))
		return
	}
	mech := strings.ToUpper(fields[0])
	initial := ""
	if len(fields) > 1 {
		initial = fields[1]
	}

	switch mech {
	case "PLAIN":
		s.authMech = mech
		if initial == "" {
			s.authState = authPlainWaiting
			s.send(Reply{Code: CodeAuthContinue, Lines: []string{""}})
			return
		}
		s.authPlain(ctx, initial)
	case "LOGIN":
		s.authMech = mech
		if initial == "" {
			s.authState = authLoginUsername
			s.send(reply(CodeAuthContinue, promptUsername))
			return
		}
		s.loginUsername(initial)
	default:
		s.send(reply(CodeParamNotImpl, "5.5.4 Unrecognized authentication mechanism"))
	}
}

// handleAuthLine consumes one line of an AUTH exchange in progress
func (s *Session) handleAuthLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "*" {
		metrics.SMTPAuthAttempts.WithLabelValues(s.authMech, "cancelled").Inc()
		s.clearAuth()
		s.send(reply(CodeSyntaxErrorParams, "5.7.0 Authentication cancelled"))
		return
	}
	if line == "" {
		s.authFailed("malformed")
		return
	}

	switch s.authState {
	case authPlainWaiting:
		s.authState = authNone
		s.authPlain(ctx, line)
	case authLoginUsername:
		s.loginUsername(line)
	case authLoginPassword:
		s.authState = authNone
		password, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.authFailed("malformed")
			return
		}
		s.verify(ctx, s.pendingUser, string(password))
	}
}

// authPlain checks a base64 "authzid NUL authcid NUL passwd" response
func (s *Session) authPlain(ctx context.Context, payload string) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.authFailed("malformed")
		return
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		s.authFailed("malformed")
		return
	}
	s.verify(ctx, string(parts[1]), string(parts[2]))
}

func (s *Session) loginUsername(payload string) {
	user, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(user) == 0 {
		s.authFailed("malformed")
		return
	}
	s.pendingUser = string(user)
	s.authState = authLoginPassword
	s.send(reply(CodeAuthContinue, promptPassword))
}

func (s *Session) verify(ctx context.Context, username, password string) {
	if s.srv.directory == nil {
		s.authFailed("unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	acct, err := s.srv.directory.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Warn("authentication failed", slog.String("username", username), slog.String("mechanism", s.authMech))
		s.authFailed("failure")
		return
	}

	s.authState = authNone
	s.pendingUser = ""
	s.authenticated = true
	s.username = acct.Username
	s.userID = acct.ID
	if s.srv.sessions != nil {
		s.srv.sessions.Set(s.id, AuthRecord{
			Username: acct.Username,
			UserID:   acct.ID,
			RemoteIP: s.remoteIP,
			At:       s.srv.now(),
		})
	}

	metrics.SMTPAuthAttempts.WithLabelValues(s.authMech, "success").Inc()
	s.logger.Info("authenticated", slog.String("username", acct.Username), slog.String("mechanism", s.authMech))
	s.send(reply(CodeAuthSuccess, "2.7.0 Authentication successful"))
}

func (s *Session) authFailed(result string) {
	metrics.SMTPAuthAttempts.WithLabelValues(s.authMech, result).Inc()
	s.authState = authNone
	s.pendingUser = ""
	s.send(reply(CodeAuthFailed, "5.7.8 Authentication credentials invalid"))
}

// clearAuth drops any exchange in progress and the authenticated identity
func (s *Session) clearAuth() {
	if s.authenticated && s.srv.sessions != nil {
		s.srv.sessions.Delete(s.id)
	}
	s.authState = authNone
	s.pendingUser = ""
	s.authenticated = false
	s.username = ""
	s.userID = ""
}
