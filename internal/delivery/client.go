package delivery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

// Step is the position of an outbound conversation; each step names the
// reply being waited for
type Step int

const (
	StepGreeting Step = iota
	StepEHLO
	StepMail
	StepRcpt
	StepData
	StepBody
	StepQuit
)

func (s Step) String() string {
	switch s {
	case StepGreeting:
		return "greeting"
	case StepEHLO:
		return "EHLO"
	case StepMail:
		return "MAIL FROM"
	case StepRcpt:
		return "RCPT TO"
	case StepData:
		return "DATA"
	case StepBody:
		return "message body"
	case StepQuit:
		return "QUIT"
	}
	return "step " + strconv.Itoa(int(s))
}

// expected reply class or exact code per step, in textproto.ReadResponse terms
var expectCode = map[Step]int{
	StepGreeting: 220,
	StepEHLO:     250,
	StepMail:     250,
	StepRcpt:     2,
	StepData:     354,
	StepBody:     250,
}

// ReplyError is an exchanger reply that ended a conversation
type ReplyError struct {
	Step Step
	Code int
	Text string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("delivery: %s rejected: %d %s", e.Step, e.Code, e.Text)
}

// Temporary reports whether the exchanger answered with a 4xx code
func (e *ReplyError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// Client plays the client side of one SMTP conversation per Send
type Client struct {
	// Hostname is announced in EHLO
	Hostname    string
	Port        int
	DialTimeout time.Duration
	// Timeout bounds the whole conversation; 0 disables it
	Timeout time.Duration
	// Dial defaults to a net.Dialer
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Send delivers msg from sender to one recipient through host
func (c *Client) Send(ctx context.Context, host, from, to string, msg []byte) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	port := c.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("delivery: connect %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	return c.converse(conn, from, to, msg)
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	if c.Dial != nil {
		return c.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// converse runs the fixed command script, reading one reply per iteration
func (c *Client) converse(rw io.ReadWriter, from, to string, msg []byte) error {
	r := textproto.NewReader(bufio.NewReader(rw))
	bw := bufio.NewWriter(rw)
	w := textproto.NewWriter(bw)

	hostname := c.Hostname
	if hostname == "" {
		hostname = "localhost"
	}

	for step := StepGreeting; ; step++ {
		if step == StepQuit {
			// the message is accepted; the QUIT reply is a courtesy
			if err := w.PrintfLine("QUIT"); err == nil {
				_, _, _ = r.ReadResponse(221)
			}
			return nil
		}

		if _, _, err := r.ReadResponse(expectCode[step]); err != nil {
			var te *textproto.Error
			if errors.As(err, &te) {
				return &ReplyError{Step: step, Code: te.Code, Text: te.Msg}
			}
			return fmt.Errorf("delivery: read %s reply: %w", step, err)
		}

		var err error
		switch step {
		case StepGreeting:
			err = w.PrintfLine("EHLO %s", hostname)
		case StepEHLO:
			err = w.PrintfLine("MAIL FROM:<%s>", from)
		case StepMail:
			err = w.PrintfLine("RCPT TO:<%s>", to)
		case StepRcpt:
			err = w.PrintfLine("DATA")
		case StepData:
			err = writeBody(w, msg)
		}
		if err != nil {
			return fmt.Errorf("delivery: write after %s: %w", step, err)
		}
	}
}

// writeBody sends msg dot-stuffed and terminated by CRLF "." CRLF
func writeBody(w *textproto.Writer, msg []byte) error {
	dw := w.DotWriter()
	if _, err := dw.Write(msg); err != nil {
		dw.Close()
		return err
	}
	return dw.Close()
}
