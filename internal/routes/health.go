package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

type check func(ctx context.Context) error

// RegisterHealthRoutes adds a readiness endpoint covering every configured backend.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	checks := map[string]check{}
	if d.DB != nil {
		checks["postgres"] = d.DB.Ping
	}
	if d.Cache != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Cache.Ping(ctx).Err() }
	}
	if d.Mongo != nil {
		checks["mongo"] = func(ctx context.Context) error { return d.Mongo.Ping(ctx, nil) }
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		report := fiber.Map{}
		status := http.StatusOK
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    report,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
