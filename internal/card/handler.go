package card

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/middleware"
)

// Handler exposes owner-facing card endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a card handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Issue creates a card for the calling owner.
func (h *Handler) Issue(c *fiber.Ctx) error {
	var req IssueCardRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	in := IssueCardInput{
		OwnerID:        middleware.OwnerID(c),
		Type:           ledger.CardType(req.Type),
		SpendingLimit:  req.SpendingLimit,
		Currency:       req.Currency,
		CardholderName: req.CardholderName,
		Email:          req.Email,
	}
	if req.Billing != nil {
		in.Billing = cardprocessor.Address{
			Line1:      req.Billing.Line1,
			City:       req.Billing.City,
			PostalCode: req.Billing.PostalCode,
			Country:    req.Billing.Country,
		}
	}

	card, err := h.service.IssueCard(c.UserContext(), in)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toCardResponse(card))
}

// List returns the caller's cards.
func (h *Handler) List(c *fiber.Ctx) error {
	cards, err := h.service.ListCards(c.UserContext(), middleware.OwnerID(c))
	if err != nil {
		return err
	}
	out := make([]CardResponse, 0, len(cards))
	for _, card := range cards {
		out = append(out, toCardResponse(card))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"cards": out})
}

// Get returns one card with its status refreshed from the processor.
func (h *Handler) Get(c *fiber.Ctx) error {
	card, err := h.service.GetCard(c.UserContext(), middleware.OwnerID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Cancel permanently cancels one of the caller's cards.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	card, err := h.service.CancelCard(c.UserContext(), middleware.OwnerID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// WebhookHandler receives signed processor events.
type WebhookHandler struct {
	service   *Service
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookHandler verifies every payload against secret.
func NewWebhookHandler(service *Service, secret string) *WebhookHandler {
	return &WebhookHandler{
		service:   service,
		secret:    secret,
		tolerance: cardprocessor.DefaultTolerance,
		now:       time.Now,
	}
}

func (h *WebhookHandler) verify(c *fiber.Ctx) ([]byte, error) {
	payload := c.Body()
	if err := cardprocessor.VerifySignature(payload, c.Get(cardprocessor.SignatureHeader), h.secret, h.now(), h.tolerance); err != nil {
		return nil, err
	}
	return payload, nil
}

// Authorization decides a real-time authorization request. Redeliveries get
// the stored decision.
func (h *WebhookHandler) Authorization(c *fiber.Ctx) error {
	payload, err := h.verify(c)
	if err != nil {
		return err
	}
	ev, err := cardprocessor.ParseAuthorizationRequest(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, err.Error())
	}

	decision, err := h.service.DecideAuthorization(c.UserContext(), ev)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		return err
	}
	return c.Status(http.StatusOK).JSON(toAuthorizationResponse(decision))
}

// Transaction records captures and refunds. Other transaction types are
// acknowledged and ignored.
func (h *WebhookHandler) Transaction(c *fiber.Ctx) error {
	payload, err := h.verify(c)
	if err != nil {
		return err
	}
	kind, err := cardprocessor.TransactionType(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, err.Error())
	}

	var tx ledger.Transaction
	switch kind {
	case "refund":
		ev, parseErr := cardprocessor.ParseRefund(payload)
		if parseErr != nil {
			return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, parseErr.Error())
		}
		tx, err = h.service.RecordRefund(c.UserContext(), ev)
	case "capture":
		ev, parseErr := cardprocessor.ParseCapture(payload)
		if parseErr != nil {
			return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, parseErr.Error())
		}
		tx, err = h.service.SettlePayment(c.UserContext(), ev)
	default:
		return c.Status(http.StatusOK).JSON(fiber.Map{"received": true, "ignored": kind})
	}

	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		return err
	}
	status := http.StatusOK
	if err == nil && kind == "refund" {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(toTransactionResponse(tx))
}
