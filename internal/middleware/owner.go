package middleware

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// OwnerHeader carries the authenticated owner id set by the upstream gateway.
const OwnerHeader = "X-Owner-ID"

const ownerLocal = "owner_id"

// Owner rejects requests without a valid owner id and stores it for handlers.
func Owner() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(OwnerHeader)
		if raw == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing owner identity")
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid owner identity")
		}
		c.Locals(ownerLocal, id.String())
		return c.Next()
	}
}

// OwnerID returns the owner id stored by Owner, or "".
func OwnerID(c *fiber.Ctx) string {
	id, _ := c.Locals(ownerLocal).(string)
	return id
}
