// Package cardprocessor connects to the external card-issuing processor.
package cardprocessor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks a transient processor failure: transport error,
	// timeout, throttling or a 5xx. Callers may retry with backoff.
	ErrUnavailable = errors.New("card processor unavailable")

	// ErrRejected means the processor refused the request as invalid.
	ErrRejected = errors.New("card processor rejected request")

	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// CardType is the form factor requested from the processor.
type CardType string

const (
	TypeVirtual  CardType = "virtual"
	TypePhysical CardType = "physical"
)

// Status is the processor-side status of a card.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusCanceled Status = "canceled"
)

// Address is a cardholder billing address.
type Address struct {
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// Profile identifies the person a card is issued to.
type Profile struct {
	OwnerID string
	Name    string
	Email   string
	Billing Address
}

// Limits caps card spend per calendar month.
type Limits struct {
	Monthly  decimal.Decimal
	Currency string
}

// IssuedCard is the processor's description of a newly created card.
type IssuedCard struct {
	ID       string
	Last4    string
	Brand    string
	ExpMonth int
	ExpYear  int
	Status   Status
}

// Client represents a connector to the external card processor.
type Client interface {
	CreateCardholder(ctx context.Context, profile Profile) (string, error)
	CreateCard(ctx context.Context, cardholderID string, typ CardType, currency string, limits *Limits) (IssuedCard, error)
	SetCardStatus(ctx context.Context, cardID string, status Status) error
	GetCardStatus(ctx context.Context, cardID string) (Status, error)
	RespondToAuthorization(ctx context.Context, authID string, approve bool) error
}
