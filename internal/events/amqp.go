package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/streadway/amqp"
)

// AMQPChannel is the subset of an AMQP channel used by AMQPPublisher
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards events as JSON to a topic exchange with routing key "mail.<type>"
type AMQPPublisher struct {
	ch       AMQPChannel
	exchange string
	closeFn  func() error
}

// NewAMQPPublisher publishes on an existing channel
func NewAMQPPublisher(ch AMQPChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, closeFn: ch.Close}
}

// DialAMQP connects to the broker with automatic reconnection and declares the exchange
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := rabbitmq.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ch, exchange)
	p.closeFn = func() error {
		ch.Close()
		return conn.Close()
	}
	return p, nil
}

// Publish sends event to the exchange
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}

	msg := amqp.Publishing{
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	err = p.ch.Publish(
		p.exchange,
		"mail."+event.Type,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", event.ID, err)
	}
	return nil
}

// Close closes the channel and, for dialled publishers, the connection
func (p *AMQPPublisher) Close() error {
	return p.closeFn()
}
