package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/settlement"
)

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, cardprocessor.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrTerminalState),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrLimitExceeded),
		errors.Is(err, settlement.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrUnavailable),
		errors.Is(err, cardprocessor.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, keyvault.ErrKeyVault):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail on server errors.
func publicMessage(status int, err error) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return "upstream temporarily unavailable, retry later"
	case status >= http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

// ErrorHandler renders errors returned by handlers as {"error": "..."} with
// the mapped status. Server errors are logged with their full chain.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", status,
				"request_id", c.Locals(RequestIDKey),
				"error", err,
			)
		}
		var fe *fiber.Error
		msg := publicMessage(status, err)
		if errors.As(err, &fe) {
			msg = fe.Message
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
}
