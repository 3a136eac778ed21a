package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/card"
)

// RegisterCardRoutes wires owner-facing card endpoints.
func RegisterCardRoutes(r fiber.Router, h *card.Handler) {
	r.Post("/cards", h.Issue)
	r.Get("/cards", h.List)
	r.Get("/cards/:cardId", h.Get)
	r.Post("/cards/:cardId/cancel", h.Cancel)
}

// RegisterWebhookRoutes wires the signed processor callbacks.
func RegisterWebhookRoutes(app *fiber.App, h *card.WebhookHandler) {
	hooks := app.Group("/webhooks/processor")
	hooks.Post("/authorizations", h.Authorization)
	hooks.Post("/transactions", h.Transaction)
}
