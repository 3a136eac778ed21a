package wallet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/ledger"
)

var (
	// ErrWalletNotFound is returned when the owner has no wallet on the configured network.
	ErrWalletNotFound = fmt.Errorf("wallet %w", ledger.ErrNotFound)

	// ErrWalletExists is returned when the owner already holds a wallet on the network.
	ErrWalletExists = fmt.Errorf("wallet already exists: %w", ledger.ErrConflict)
)

// Balance is the spendable amount of a wallet. When the settlement network
// cannot be reached Live is false and Amount is the last cached value.
// FeeBalance holds the network fee asset and is invalid when unknown.
type Balance struct {
	WalletID     string
	Address      string
	Asset        string
	Amount       decimal.Decimal
	USDValue     decimal.NullDecimal
	FeeAsset     string
	FeeBalance   decimal.NullDecimal
	EstimatedFee decimal.Decimal
	Live         bool
	Degraded     string
	AsOf         time.Time
}

// SendInput is an outbound transfer request from the owner's wallet.
type SendInput struct {
	OwnerID        string
	ToAddress      string
	Amount         string
	IdempotencyKey string
}

// SendResult carries the transaction a send produced, even when the send
// returned an error after the transaction was recorded.
type SendResult struct {
	Transaction ledger.Transaction
	Fee         decimal.Decimal
	FeeAsset    string
}
