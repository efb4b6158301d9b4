package smtp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/welldanyogia/tempmail-mta/internal/delivery"
	"github.com/welldanyogia/tempmail-mta/internal/events"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
	"github.com/welldanyogia/tempmail-mta/internal/parser"
	"github.com/welldanyogia/tempmail-mta/internal/storage"
)

// Dispatcher hands a non-local recipient to the delivery engine
type Dispatcher interface {
	Dispatch(ctx context.Context, job delivery.Job) error
}

// MailNotifier announces mail stored for a local recipient
type MailNotifier interface {
	Notify(ctx context.Context, recipient string, mail events.NewMail) error
}

// ProcessorConfig configures NewProcessor
type ProcessorConfig struct {
	Domain     string
	Parser     *parser.Parser
	Store      storage.Store
	Notifier   MailNotifier
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Processor is the MessageHandler that files local mail and forwards the rest
type Processor struct {
	domain     string
	parser     *parser.Parser
	store      storage.Store
	notifier   MailNotifier
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewProcessor creates a Processor
func NewProcessor(cfg ProcessorConfig) *Processor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := cfg.Parser
	if p == nil {
		p = parser.New(0)
	}
	return &Processor{
		domain:     cfg.Domain,
		parser:     p,
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		dispatcher: cfg.Dispatcher,
		logger:     log.With(slog.String("component", "processor")),
	}
}

// Handle parses and validates the message, then stores it for every local
// recipient and dispatches it for every remote one. A message that fails
// validation is delivered to nobody; a parse failure is returned as an error.
func (p *Processor) Handle(ctx context.Context, env *Envelope) (Result, error) {
	log := logger.WithCorrelationID(ctx, p.logger)
	res := Result{Total: len(env.To)}

	msg, err := p.parser.Parse(env.Data)
	if err != nil {
		return res, fmt.Errorf("smtp: parse message: %w", err)
	}

	if v := p.parser.Validate(msg); !v.IsValid {
		log.Warn("message failed validation",
			slog.String("from", env.From),
			slog.Any("errors", v.Errors),
		)
		return res, nil
	}

	if scan := p.parser.SecurityScan(msg); !scan.IsSafe {
		log.Warn("security scan flagged message",
			slog.String("from", env.From),
			slog.Any("warnings", scan.Warnings),
		)
	}

	var outbound *delivery.Job
	for _, rcpt := range env.To {
		if IsLocal(rcpt, p.domain) {
			if p.deliverLocal(ctx, log, rcpt, msg, env.Data) {
				res.Delivered++
			}
			continue
		}

		if p.dispatcher == nil {
			log.Warn("no delivery engine for remote recipient", slog.String("recipient", rcpt))
			continue
		}
		if outbound == nil {
			outbound = &delivery.Job{
				Owner:   env.From,
				Sender:  env.From,
				Message: delivery.MessageFromParsed(msg),
			}
		}
		job := *outbound
		job.Recipient = rcpt
		if err := p.dispatcher.Dispatch(ctx, job); err != nil {
			log.Error("failed to dispatch remote delivery",
				slog.String("recipient", rcpt),
				slog.Any("error", err),
			)
			continue
		}
		res.Delivered++
	}

	return res, nil
}

func (p *Processor) deliverLocal(ctx context.Context, log *slog.Logger, rcpt string, msg *parser.ParsedMessage, raw []byte) bool {
	if p.store == nil {
		log.Error("no store configured for local delivery", slog.String("recipient", rcpt))
		return false
	}

	filename, err := p.store.Save(ctx, rcpt, raw, storage.CategoryInbox)
	if err != nil {
		log.Error("failed to store message",
			slog.String("recipient", rcpt),
			slog.Any("error", err),
		)
		return false
	}
	log.Info("message stored",
		slog.String("recipient", rcpt),
		slog.String("filename", filename),
	)

	if p.notifier != nil {
		err := p.notifier.Notify(ctx, rcpt, events.NewMail{
			From:           msg.From,
			Subject:        msg.Subject,
			HasAttachments: msg.HasAttachments(),
			Filename:       filename,
		})
		if err != nil {
			log.Warn("new mail notification failed",
				slog.String("recipient", rcpt),
				slog.Any("error", err),
			)
		}
	}
	return true
}
