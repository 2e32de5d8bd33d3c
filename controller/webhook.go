package controller

import (
	"context"
	"encoding/json"
	"strings"

	"inbox-service/evolution"
	"inbox-service/ingest"
	"inbox-service/queue"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"
)

type Ingester interface {
	Handle(ctx context.Context, env evolution.Envelope) (ingest.Outcome, error)
}

type StatsSource interface {
	Stats() queue.Stats
}

// Webhook receives provider events. Every request is processed as one job of
// the shared task queue and answered once the job finishes.
type Webhook struct {
	queue  *queue.Queue
	ingest Ingester
	log    zerolog.Logger
}

func NewWebhook(q *queue.Queue, in Ingester, log zerolog.Logger) *Webhook {
	return &Webhook{queue: q, ingest: in, log: log}
}

func (w *Webhook) Receive(c *fiber.Ctx) error {
	// route params point into the request buffer, which fasthttp reuses
	instance := strings.TrimSpace(utils.CopyString(c.Params("instance")))

	// providers do not always send a JSON content type
	env := new(evolution.Envelope)
	if err := json.Unmarshal(c.Body(), env); err != nil {
		w.log.Error().Err(err).Str("instance", instance).Msg("unreadable webhook body")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Invalid webhook body",
		})
	}

	if strings.TrimSpace(env.Event) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Event is required",
		})
	}

	if env.Instance = strings.TrimSpace(env.Instance); env.Instance == "" {
		env.Instance = instance
	}
	if env.Instance != instance {
		w.log.Warn().Str("instance", instance).Str("body_instance", env.Instance).Msg("instance mismatch")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Instance mismatch",
		})
	}

	ctx := c.UserContext()
	err := w.queue.Submit(func() error {
		_, err := w.ingest.Handle(ctx, *env)
		return err
	})
	if err != nil {
		w.log.Error().Err(err).Str("instance", instance).Str("event", env.Event).Msg("webhook processing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Webhook received successfully",
	})
}

// Stats reports the load of the request queue and the background pool.
func Stats(requests, background StatsSource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "success",
			"message": nil,
			"data": fiber.Map{
				"queue":      requests.Stats(),
				"background": background.Stats(),
			},
		})
	}
}
