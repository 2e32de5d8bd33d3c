package router

import (
	"inbox-service/controller"
	"inbox-service/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

type Handlers struct {
	Webhook    *controller.Webhook
	Requests   controller.StatsSource
	Background controller.StatsSource
	JWTKey     []byte
}

func Rest(app *fiber.App, h Handlers) {
	// Provider webhooks
	webhooks := app.Group("/webhooks", logger.New())
	webhooks.Post("/evolution/:instance", h.Webhook.Receive)

	// Operators
	api := app.Group("/v1", logger.New(), middleware.JWT(h.JWTKey))
	api.Get("/queue/stats", controller.Stats(h.Requests, h.Background))
}
