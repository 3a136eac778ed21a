package infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventsExchange is the topic exchange ledger events are published to.
const EventsExchange = "ledger_events"

// NewRabbitChannel dials RabbitMQ, opens a channel and declares the events exchange.
// The returned close func releases both the channel and the connection.
func NewRabbitChannel(url, appName string) (*amqp.Channel, func() error, error) {
	if url == "" {
		return nil, nil, fmt.Errorf("rabbitmq url is required")
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": appName},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", EventsExchange, err)
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			conn.Close()
			return err
		}
		return conn.Close()
	}
	return ch, closeFn, nil
}
