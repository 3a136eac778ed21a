package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/wallet"
)

// RegisterWalletRoutes wires wallet endpoints. sendGuards run before the send
// handler only.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, sendGuards ...fiber.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/me", h.Get)
	r.Get("/wallets/me/balance", h.Balance)
	r.Post("/wallets/me/send", append(sendGuards, h.Send)...)
	r.Get("/transactions/:id", h.Transaction)
}
