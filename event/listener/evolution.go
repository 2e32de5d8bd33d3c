// Package listener turns broker deliveries into pipeline jobs.
package listener

import (
	"context"
	"encoding/json"

	"inbox-service/event"
	"inbox-service/evolution"
	"inbox-service/ingest"
	"inbox-service/queue"

	"github.com/rs/zerolog"
)

type Ingester interface {
	Handle(ctx context.Context, env evolution.Envelope) (ingest.Outcome, error)
}

// Evolution handles provider events published by Evolution API's RabbitMQ
// integration. Each delivery runs as one job of the shared task queue, like
// an HTTP webhook.
type Evolution struct {
	queue  *queue.Queue
	ingest Ingester
	log    zerolog.Logger
}

func NewEvolution(q *queue.Queue, in Ingester, log zerolog.Logger) *Evolution {
	return &Evolution{queue: q, ingest: in, log: log}
}

func (l *Evolution) Handle(ctx context.Context, d event.Delivery) error {
	var env evolution.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// redelivery cannot fix a broken body
		l.log.Warn().Err(err).Str("queue", d.Queue).Msg("unreadable provider event dropped")
		return nil
	}
	if env.Event == "" {
		env.Event = d.Action
	}

	return l.queue.Submit(func() error {
		outcome, err := l.ingest.Handle(ctx, env)
		if err == nil {
			l.log.Debug().
				Str("queue", d.Queue).
				Str("instance", env.Instance).
				Str("outcome", string(outcome)).
				Bool("replay", d.Replay).
				Msg("provider event processed")
		}
		return err
	})
}
