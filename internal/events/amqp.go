package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-share/internal/models"
)

const DefaultExchange = "ride_events"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a topic exchange with the event type as
// routing key, so consumers can bind e.g. "booking.*".
type AMQPPublisher struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
}

func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return &AMQPPublisher{ch: ch, conn: conn, exchange: exchange}, nil
}

func NewAMQPPublisher(ch Channel, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Name() string { return "amqp" }

func (p *AMQPPublisher) Deliver(ctx context.Context, ev models.Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx,
		p.exchange,      // exchange
		string(ev.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Type:         string(ev.Type),
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
