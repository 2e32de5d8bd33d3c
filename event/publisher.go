package event

import (
	"context"
	"encoding/json"

	"inbox-service/dispatcher"
)

// Publisher forwards stored messages to a RabbitMQ queue.
type Publisher struct {
	broker *Broker
	queue  string
}

func NewPublisher(b *Broker, queue string) *Publisher {
	return &Publisher{broker: b, queue: queue}
}

func (p *Publisher) Name() string { return "rabbitmq" }

func (p *Publisher) Publish(ctx context.Context, payload *dispatcher.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.broker.Emit(ctx, p.queue, payload.Event, body)
}
