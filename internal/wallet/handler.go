package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type walletResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Address   string    `json:"address"`
	Network   string    `json:"network"`
	Asset     string    `json:"asset"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

type balanceResponse struct {
	WalletID     string    `json:"wallet_id"`
	Address      string    `json:"address"`
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	USDValue     *string   `json:"usd_value,omitempty"`
	FeeAsset     string    `json:"fee_asset"`
	FeeBalance   *string   `json:"fee_balance,omitempty"`
	EstimatedFee string    `json:"estimated_fee"`
	Live         bool      `json:"live"`
	Degraded     string    `json:"degraded,omitempty"`
	AsOf         time.Time `json:"as_of"`
}

type sendRequest struct {
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
}

// TransactionResponse is the public view of a ledger transaction.
type TransactionResponse struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	FromAddress  string    `json:"from_address,omitempty"`
	ToAddress    string    `json:"to_address,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	ProcessorRef string    `json:"processor_ref,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type sendResponse struct {
	Transaction  TransactionResponse `json:"transaction"`
	EstimatedFee string              `json:"estimated_fee"`
	FeeAsset     string              `json:"fee_asset"`
}

// NewTransactionResponse converts a ledger transaction for the wire.
func NewTransactionResponse(tx ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:           tx.ID,
		Kind:         string(tx.Kind),
		Status:       string(tx.Status),
		Amount:       ledger.FormatAmount(tx.Amount),
		Currency:     tx.Currency,
		FromAddress:  tx.FromAddress,
		ToAddress:    tx.ToAddress,
		ExternalRef:  tx.ExternalRef,
		ProcessorRef: tx.ProcessorRef,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt,
		UpdatedAt:    tx.UpdatedAt,
	}
}

// Create provisions a wallet for the calling owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	w, err := h.service.CreateWallet(c.UserContext(), middleware.OwnerID(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w))
}

// Get returns the caller's wallet with its last known balance.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.service.Wallet(c.UserContext(), middleware.OwnerID(c))
	if err != nil {
		return err
	}
	return c.JSON(toWalletResponse(w))
}

func toWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Address:   w.Address,
		Network:   w.Network,
		Asset:     w.Asset,
		Balance:   ledger.FormatAmount(w.CachedBalance),
		CreatedAt: w.CreatedAt,
	}
}

// Balance returns the caller's wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.GetBalance(c.UserContext(), middleware.OwnerID(c))
	if err != nil {
		return err
	}
	resp := balanceResponse{
		WalletID:     balance.WalletID,
		Address:      balance.Address,
		Asset:        balance.Asset,
		Balance:      ledger.FormatAmount(balance.Amount),
		FeeAsset:     balance.FeeAsset,
		EstimatedFee: ledger.FormatAmount(balance.EstimatedFee),
		Live:         balance.Live,
		Degraded:     balance.Degraded,
		AsOf:         balance.AsOf,
	}
	if balance.USDValue.Valid {
		usd := balance.USDValue.Decimal.StringFixed(2)
		resp.USDValue = &usd
	}
	if balance.FeeBalance.Valid {
		fee := ledger.FormatAmount(balance.FeeBalance.Decimal)
		resp.FeeBalance = &fee
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Send transfers funds out of the caller's wallet.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.service.Send(c.UserContext(), SendInput{
		OwnerID:        middleware.OwnerID(c),
		ToAddress:      req.ToAddress,
		Amount:         req.Amount,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	status := http.StatusCreated
	if err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return err
		}
		status = http.StatusOK
	}
	return c.Status(status).JSON(sendResponse{
		Transaction:  NewTransactionResponse(res.Transaction),
		EstimatedFee: res.Fee.String(),
		FeeAsset:     res.FeeAsset,
	})
}

// Transaction returns one of the caller's transactions.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	tx, err := h.service.GetTransaction(c.UserContext(), middleware.OwnerID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(NewTransactionResponse(tx))
}
