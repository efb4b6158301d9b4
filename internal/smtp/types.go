package smtp

import (
	"fmt"
	"strings"
	"time"
)

// Config holds reception engine configuration
type Config struct {
	Domain              string
	Port                int
	TLSPort             int
	MaxConnections      int
	MaxConnectionsPerIP int
	IdleTimeout         time.Duration
	MaxMessageSize      int64
	MaxRecipients       int
	RateLimitPerMinute  int
}

// DefaultConfig returns the defaults used when no environment is supplied
func DefaultConfig() *Config {
	return &Config{
		Domain:              "localhost",
		Port:                25,
		TLSPort:             465,
		MaxConnections:      100,
		MaxConnectionsPerIP: 10,
		IdleTimeout:         300 * time.Second,
		MaxMessageSize:      52428800,
		MaxRecipients:       100,
		RateLimitPerMinute:  60,
	}
}

// State is the envelope state of a session
type State int

const (
	StateGreeting State = iota
	StateReady
	StateMail
	StateRcpt
	StateData
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateReady:
		return "READY"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AuthState is the SASL exchange sub-state; authNone outside an exchange
type AuthState int

const (
	authNone AuthState = iota
	authPlainWaiting
	authLoginUsername
	authLoginPassword
)

// SMTP Response Codes
const (
	CodeServiceReady       = 220
	CodeServiceClosing     = 221
	CodeAuthSuccess        = 235
	CodeOK                 = 250
	CodeAuthContinue       = 334
	CodeStartMailInput     = 354
	CodeServiceUnavailable = 421
	CodeTempFailure        = 451
	CodeInsufficientSpace  = 452
	CodeLineTooLong        = 500
	CodeSyntaxErrorParams  = 501
	CodeNotImplemented     = 502
	CodeBadSequence        = 503
	CodeParamNotImpl       = 504
	CodeAuthFailed         = 535
	CodeRejected           = 550
	CodeMessageTooLarge    = 552
)

// Reply is one SMTP response. Lines beyond the first are sent as a multi-line reply.
type Reply struct {
	Code  int
	Lines []string
}

func reply(code int, format string, args ...any) Reply {
	return Reply{Code: code, Lines: []string{fmt.Sprintf(format, args...)}}
}

// String renders the reply in wire form
func (r Reply) String() string {
	var b strings.Builder
	for i, line := range r.Lines {
		sep := "-"
		if i == len(r.Lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", r.Code, sep, line)
	}
	return b.String()
}

// AuthRecord is kept in the session cache for every authenticated session
type AuthRecord struct {
	Username string
	UserID   string
	RemoteIP string
	At       time.Time
}

// Envelope is a completed mail transaction handed to the MessageHandler
type Envelope struct {
	SessionID     string
	RemoteIP      string
	From          string
	To            []string
	Data          []byte
	Authenticated bool
	Username      string
	ReceivedAt    time.Time
}

// Result is the outcome of handling an Envelope
type Result struct {
	Delivered int
	Total     int
}
