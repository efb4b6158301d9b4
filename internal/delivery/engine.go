// Package delivery sends mail for non-local recipients straight to the
// recipient domain's mail exchanger.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/welldanyogia/tempmail-mta/internal/compose"
	"github.com/welldanyogia/tempmail-mta/internal/events"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
	"github.com/welldanyogia/tempmail-mta/internal/metrics"
	"github.com/welldanyogia/tempmail-mta/internal/parser"
	"github.com/welldanyogia/tempmail-mta/internal/status"
	"github.com/welldanyogia/tempmail-mta/internal/storage"
)

// submitConcurrency bounds the remote deliveries of one Submit
const submitConcurrency = 8

var (
	// ErrNoRecipient is returned when a job or submission has no usable recipient
	ErrNoRecipient = errors.New("delivery: no recipient")
	// ErrClosed is returned by Dispatch once Wait has been called
	ErrClosed = errors.New("delivery: engine is shutting down")
)

// MXResolver chooses the exchanger of a domain
type MXResolver interface {
	Resolve(ctx context.Context, domain string) Target
}

// Transport carries one message to one recipient through host
type Transport interface {
	Send(ctx context.Context, host, from, to string, msg []byte) error
}

// Notifier is told about new local mail and settled deliveries
type Notifier interface {
	Notify(ctx context.Context, recipient string, mail events.NewMail) error
	NotifyDeliveryStatus(ctx context.Context, owner string, st events.DeliveryStatus) error
}

// Job is one outbound delivery to one recipient
type Job struct {
	// Owner is the mailbox the sent copy is filed under; defaults to Sender
	Owner     string
	Sender    string
	Recipient string
	// Message is rebuilt with Recipient as its only To address
	Message compose.Message

	// Raw and Filename are set when the message is already built and stored
	Raw      []byte
	Filename string
}

// Outcome is the settled result of one recipient
type Outcome struct {
	Filename string
	Target   Target
	Local    bool
	State    status.State
	Err      error
}

// Config configures an Engine
type Config struct {
	// Domain is the local mail domain
	Domain    string
	Resolver  MXResolver
	Transport Transport
	Store     storage.Store
	Tracker   status.Tracker
	Notifier  Notifier
	Logger    *slog.Logger
}

// Engine runs outbound deliveries
type Engine struct {
	domain    string
	resolver  MXResolver
	transport Transport
	store     storage.Store
	tracker   status.Tracker
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an Engine
func NewEngine(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		domain:    strings.ToLower(cfg.Domain),
		resolver:  cfg.Resolver,
		transport: cfg.Transport,
		store:     cfg.Store,
		tracker:   cfg.Tracker,
		notifier:  cfg.Notifier,
		logger:    log.With(slog.String("component", "delivery")),
		now:       time.Now,
	}
}

// MessageFromParsed turns a received message into a template for Job.Message
func MessageFromParsed(msg *parser.ParsedMessage) compose.Message {
	from := msg.From
	if from != "" && msg.FromName != "" {
		from = (&mail.Address{Name: msg.FromName, Address: msg.From}).String()
	}

	m := compose.Message{
		MessageID: msg.MessageID,
		Date:      msg.Date,
		From:      from,
		Subject:   msg.Subject,
		Text:      msg.Text,
	}
	for _, a := range msg.Attachments {
		m.Attachments = append(m.Attachments, compose.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	return m
}

// Deliver makes a single attempt to hand job to the recipient's exchanger.
// The sent copy is stored before the attempt and its status is tracked through
// pending, sending and success or failed. A failed attempt returns its Outcome
// together with the failure; errors before the attempt return a nil Outcome.
func (e *Engine) Deliver(ctx context.Context, job Job) (*Outcome, error) {
	domain := domainOf(job.Recipient)
	if domain == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoRecipient, job.Recipient)
	}
	owner := job.Owner
	if owner == "" {
		owner = job.Sender
	}
	log := logger.WithCorrelationID(ctx, e.logger).With(slog.String("recipient", job.Recipient))

	raw := job.Raw
	if raw == nil {
		m := job.Message
		m.To = []string{job.Recipient}
		m.Cc = nil
		if m.From == "" {
			m.From = job.Sender
		}
		var err error
		if raw, err = compose.Build(&m); err != nil {
			return nil, fmt.Errorf("delivery: build message: %w", err)
		}
	}

	filename := job.Filename
	if filename == "" {
		var err error
		if filename, err = e.store.Save(ctx, owner, raw, storage.CategorySent); err != nil {
			return nil, fmt.Errorf("delivery: store sent copy: %w", err)
		}
	}

	out := &Outcome{Filename: filename}
	e.setStatus(ctx, log, owner, filename, status.Pending, job.Recipient, "")

	start := e.now()
	out.Target = e.resolver.Resolve(ctx, domain)
	e.setStatus(ctx, log, owner, filename, status.Sending, job.Recipient, "")

	err := e.transport.Send(ctx, out.Target.Host, job.Sender, job.Recipient, raw)
	reason := ""
	if err != nil {
		out.State = status.Failed
		out.Err = err
		reason = failureReason(err)
		log.Warn("delivery failed",
			slog.String("host", out.Target.Host),
			slog.String("source", string(out.Target.Source)),
			slog.Any("error", err),
		)
	} else {
		out.State = status.Success
		log.Info("message delivered",
			slog.String("host", out.Target.Host),
			slog.String("filename", filename),
		)
	}
	metrics.ObserveDelivery(string(out.State), e.now().Sub(start))
	e.setStatus(ctx, log, owner, filename, out.State, job.Recipient, reason)

	if e.notifier != nil {
		nerr := e.notifier.NotifyDeliveryStatus(ctx, owner, events.DeliveryStatus{
			Filename:  filename,
			Recipient: job.Recipient,
			State:     string(out.State),
			Reason:    reason,
		})
		if nerr != nil {
			log.Warn("delivery status notification failed", slog.Any("error", nerr))
		}
	}

	return out, err
}

// Dispatch runs Deliver in the background. The delivery outlives ctx's
// cancellation but keeps its values.
func (e *Engine) Dispatch(ctx context.Context, job Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		if out, err := e.Deliver(ctx, job); out == nil && err != nil {
			logger.WithCorrelationID(ctx, e.logger).Error("delivery not attempted",
				slog.String("recipient", job.Recipient),
				slog.Any("error", err),
			)
		}
	}()
	return nil
}

// Wait stops accepting dispatches and waits for those in flight
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outgoing is a message submitted by a local sender
type Outgoing struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Text        string
	Attachments []compose.Attachment
}

// Submission reports what happened to each recipient of an Outgoing
type Submission struct {
	Filename  string
	MessageID string
	Outcomes  map[string]*Outcome
}

// Submit builds out once, files the sender's sent copy, stores it in the
// inbox of every local recipient and delivers it to every remote one.
// It returns once every recipient has settled.
func (e *Engine) Submit(ctx context.Context, out Outgoing) (*Submission, error) {
	rcpts := recipients(out.To, out.Cc)
	if len(rcpts) == 0 {
		return nil, ErrNoRecipient
	}

	msgID := compose.NewMessageID(out.From)
	raw, err := compose.Build(&compose.Message{
		MessageID:   msgID,
		Date:        e.now(),
		From:        out.From,
		To:          out.To,
		Cc:          out.Cc,
		Subject:     out.Subject,
		Text:        out.Text,
		Attachments: out.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: build message: %w", err)
	}
	sender := addressOf(out.From)

	filename, err := e.store.Save(ctx, sender, raw, storage.CategorySent)
	if err != nil {
		return nil, fmt.Errorf("delivery: store sent copy: %w", err)
	}

	sub := &Submission{
		Filename:  filename,
		MessageID: msgID,
		Outcomes:  make(map[string]*Outcome, len(rcpts)),
	}
	var mu sync.Mutex
	record := func(rcpt string, o *Outcome) {
		mu.Lock()
		sub.Outcomes[rcpt] = o
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(submitConcurrency)
	for _, rcpt := range rcpts {
		if strings.EqualFold(domainOf(rcpt), e.domain) {
			record(rcpt, e.deliverLocal(ctx, sender, filename, rcpt, raw, out))
			continue
		}
		rcpt := rcpt
		g.Go(func() error {
			o, err := e.Deliver(ctx, Job{
				Owner:     sender,
				Sender:    sender,
				Recipient: rcpt,
				Raw:       raw,
				Filename:  filename,
			})
			if o == nil {
				o = &Outcome{Filename: filename, State: status.Failed, Err: err}
			}
			record(rcpt, o)
			return nil
		})
	}
	_ = g.Wait()

	return sub, nil
}

func (e *Engine) deliverLocal(ctx context.Context, owner, filename, rcpt string, raw []byte, out Outgoing) *Outcome {
	log := e.logger.With(slog.String("recipient", rcpt))
	o := &Outcome{Filename: filename, Local: true, State: status.Success}

	stored, err := e.store.Save(ctx, rcpt, raw, storage.CategoryInbox)
	if err != nil {
		o.State = status.Failed
		o.Err = fmt.Errorf("delivery: store local copy: %w", err)
		log.Warn("local delivery failed", slog.Any("error", err))
		e.setStatus(ctx, log, owner, filename, o.State, rcpt, err.Error())
		return o
	}
	e.setStatus(ctx, log, owner, filename, o.State, rcpt, "")

	if e.notifier != nil {
		nerr := e.notifier.Notify(ctx, rcpt, events.NewMail{
			From:           out.From,
			Subject:        out.Subject,
			HasAttachments: len(out.Attachments) > 0,
			Filename:       stored,
		})
		if nerr != nil {
			log.Warn("new mail notification failed", slog.Any("error", nerr))
		}
	}
	return o
}

func (e *Engine) setStatus(ctx context.Context, log *slog.Logger, owner, filename string, state status.State, rcpt, reason string) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.SetStatus(ctx, owner, filename, state, rcpt, reason); err != nil {
		log.Error("failed to record delivery status",
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

// failureReason keeps the exchanger's own words when it rejected the message
func failureReason(err error) string {
	var re *ReplyError
	if errors.As(err, &re) {
		return fmt.Sprintf("%d %s", re.Code, re.Text)
	}
	return err.Error()
}

func domainOf(addr string) string {
	_, domain, ok := strings.Cut(addressOf(addr), "@")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

// addressOf strips a display name
func addressOf(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	return strings.TrimSpace(s)
}

// recipients merges to and cc, dropping duplicates and blanks
func recipients(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, r := range list {
			addr := strings.ToLower(addressOf(r))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}
