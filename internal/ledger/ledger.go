package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput marks a caller error detected before any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a record is absent or not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds occurs when the source wallet lacks available balance
	// to cover a requested transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLimitExceeded is returned when a card spending limit would be crossed.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrTerminalState is returned when a write targets a transaction that has
	// already reached completed, failed or canceled.
	ErrTerminalState = errors.New("transaction already in terminal state")

	// ErrDuplicateTransaction indicates the provided idempotency key already
	// produced a transaction and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// WalletStore persists wallets and their transactions.
type WalletStore interface {
	CreateWallet(ctx context.Context, w Wallet) error
	WalletByOwner(ctx context.Context, ownerID, network string) (Wallet, error)
	UpdateCachedBalance(ctx context.Context, walletID string, balance decimal.Decimal) error

	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	TransactionByIdempotencyKey(ctx context.Context, ownerID, key string) (Transaction, error)
	TransactionByProcessorRef(ctx context.Context, ref string) (Transaction, error)
	AttachExternalRef(ctx context.Context, id, ref string) error
	ResolveTransaction(ctx context.Context, id string, res Resolution) (Transaction, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
}

// CardStore persists issued cards and the authorization decisions made for them.
type CardStore interface {
	CreateCard(ctx context.Context, c Card) error
	GetCard(ctx context.Context, id string) (Card, error)
	CardByProcessorID(ctx context.Context, processorCardID string) (Card, error)
	ListCardsByOwner(ctx context.Context, ownerID string) ([]Card, error)
	UpdateCardStatus(ctx context.Context, id string, status CardStatus) error

	CreateAuthorization(ctx context.Context, a CardAuthorization) error
	AuthorizationByProcessorID(ctx context.Context, processorAuthID string) (CardAuthorization, error)
	SumApprovedThisMonth(ctx context.Context, cardID string, now time.Time) (decimal.Decimal, error)
}

// RateStore keeps the append-only exchange rate series.
type RateStore interface {
	AppendExchangeRate(ctx context.Context, r ExchangeRate) error
	LatestExchangeRate(ctx context.Context, from, to string) (ExchangeRate, error)
}

// Store is the full persistence contract implemented by the Postgres and
// in-memory backends.
type Store interface {
	WalletStore
	CardStore
	RateStore
}

// Resolution moves a pending transaction into a terminal state.
type Resolution struct {
	Status      TxStatus
	ExternalRef string
	Description string
}

// MonthStart returns the first instant of the UTC calendar month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
