package fanout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "qms.events"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes envelopes to a topic exchange. The routing key is the
// event name, suffixed with ".<counter_id>" for counter events, so printers
// and report consumers can bind to exactly what they need.
type AMQPSink struct {
	ch       amqpChannel
	exchange string
	closer   func() error
}

// DialAMQP connects, declares the exchange and returns a ready sink.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
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
	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	sink := NewAMQPSink(ch, exchange)
	sink.closer = conn.Close
	return sink, nil
}

func NewAMQPSink(ch amqpChannel, exchange string) *AMQPSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPSink{ch: ch, exchange: exchange}
}

func (s *AMQPSink) Name() string { return "amqp" }

func RoutingKey(event Event) string {
	if event.Scope.CounterID == "" {
		return event.Name
	}
	return event.Name + "." + event.Scope.CounterID
}

func (s *AMQPSink) Deliver(ctx context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(event),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			Timestamp:   event.CreatedAt,
			Type:        event.Name,
			Body:        body,
		},
	)
}

func (s *AMQPSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
