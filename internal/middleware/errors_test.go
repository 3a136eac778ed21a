package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/settlement"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("amount: %w", ledger.ErrInvalidInput), fiber.StatusBadRequest},
		{fmt.Errorf("wallet %w", ledger.ErrNotFound), fiber.StatusNotFound},
		{fmt.Errorf("wallet already exists: %w", ledger.ErrConflict), fiber.StatusConflict},
		{ledger.ErrInsufficientFunds, fiber.StatusUnprocessableEntity},
		{fmt.Errorf("broadcast: %w", settlement.ErrRejected), fiber.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", settlement.ErrUnavailable, errors.New("dial tcp")), fiber.StatusServiceUnavailable},
		{fmt.Errorf("create card: %w", cardprocessor.ErrUnavailable), fiber.StatusServiceUnavailable},
		{cardprocessor.ErrInvalidSignature, fiber.StatusUnauthorized},
		{keyvault.ErrIntegrityFailure, fiber.StatusInternalServerError},
		{fiber.NewError(fiber.StatusTooManyRequests, "slow down"), fiber.StatusTooManyRequests},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorHandlerHidesServerErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/internal", func(c *fiber.Ctx) error {
		return fmt.Errorf("decrypt wallet key: %w", keyvault.ErrIntegrityFailure)
	})
	app.Get("/invalid", func(c *fiber.Ctx) error {
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	})

	cases := map[string]struct {
		status int
		body   string
	}{
		"/internal": {fiber.StatusInternalServerError, "internal error"},
		"/invalid":  {fiber.StatusBadRequest, "invalid input: amount must be positive"},
	}
	for path, want := range cases {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want.status {
			t.Fatalf("%s: expected %d got %d", path, want.status, resp.StatusCode)
		}
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("%s: invalid json %q", path, payload)
		}
		if decoded["error"] != want.body {
			t.Fatalf("%s: expected message %q got %q", path, want.body, decoded["error"])
		}
	}
}
