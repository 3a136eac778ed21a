package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a custodial key pair on a settlement network.
type Wallet struct {
	ID            string
	OwnerID       string
	Address       string
	EncryptedKey  []byte `json:"-"`
	Network       string
	Asset         string
	CachedBalance decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TxKind classifies a ledger movement.
type TxKind string

const (
	KindDeposit     TxKind = "deposit"
	KindWithdrawal  TxKind = "withdrawal"
	KindTransfer    TxKind = "transfer"
	KindCardPayment TxKind = "card_payment"
	KindCardRefund  TxKind = "card_refund"
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindTransfer, KindCardPayment, KindCardRefund:
		return true
	}
	return false
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxCanceled  TxStatus = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether s can no longer change.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCanceled:
		return true
	case TxPending:
		return false
	}
	return false
}

// CanTransition reports whether a transaction in status s may move to next.
// Only pending records move, and only forward into a terminal state.
func (s TxStatus) CanTransition(next TxStatus) bool {
	return s == TxPending && next.IsTerminal()
}

// Transaction is one movement of value tracked by the ledger.
type Transaction struct {
	ID             string
	OwnerID        string
	WalletID       string
	Kind           TxKind
	Amount         decimal.Decimal
	Currency       string
	Status         TxStatus
	FromAddress    string
	ToAddress      string
	ExternalRef    string
	ProcessorRef   string
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CardType is the physical form factor of an issued card.
type CardType string

const (
	CardVirtual  CardType = "virtual"
	CardPhysical CardType = "physical"
)

// Valid reports whether t is a supported card type.
func (t CardType) Valid() bool {
	switch t {
	case CardVirtual, CardPhysical:
		return true
	}
	return false
}

// CardStatus mirrors the status of the card at the issuing processor.
type CardStatus string

const (
	CardActive   CardStatus = "active"
	CardInactive CardStatus = "inactive"
	CardCanceled CardStatus = "canceled"
)

// Valid reports whether s is a known card status.
func (s CardStatus) Valid() bool {
	switch s {
	case CardActive, CardInactive, CardCanceled:
		return true
	}
	return false
}

// Card is an issued payment card owned by a user.
type Card struct {
	ID              string
	OwnerID         string
	ProcessorCardID string
	CardholderID    string
	Last4           string
	Brand           string
	Type            CardType
	Status          CardStatus
	CardholderName  string
	ExpMonth        int
	ExpYear         int
	SpendingLimit   decimal.NullDecimal
	Currency        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuthStatus is the decision recorded for a card authorization.
type AuthStatus string

const (
	AuthPending  AuthStatus = "pending"
	AuthApproved AuthStatus = "approved"
	AuthDeclined AuthStatus = "declined"
)

// DeclineReason explains why an authorization was declined.
type DeclineReason string

const (
	DeclineNone             DeclineReason = ""
	DeclineCardNotFound     DeclineReason = "card_not_found"
	DeclineCardInactive     DeclineReason = "card_inactive"
	DeclineLimitExceeded    DeclineReason = "limit_exceeded"
	DeclineDeadlineExceeded DeclineReason = "deadline_exceeded"
)

// CardAuthorization records the decision made for one processor authorization.
type CardAuthorization struct {
	ID               string
	CardID           string
	OwnerID          string
	ProcessorAuthID  string
	ProcessorCardID  string
	Amount           decimal.Decimal
	Currency         string
	MerchantName     string
	MerchantCategory string
	Status           AuthStatus
	DeclineReason    DeclineReason
	DecidedAt        time.Time
	CreatedAt        time.Time
}

// ExchangeRate is one observation in the append-only rate series.
type ExchangeRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	Source       string
	ObservedAt   time.Time
}
