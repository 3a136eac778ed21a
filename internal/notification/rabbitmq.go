package notification

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitPublisher publishes events as persistent JSON messages, routed by kind.
type RabbitPublisher struct {
	channel  Channel
	exchange string
}

func NewRabbitPublisher(ch Channel, exchange string) *RabbitPublisher {
	return &RabbitPublisher{channel: ch, exchange: exchange}
}

func (p *RabbitPublisher) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, event.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Kind,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}
