package card

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/congo-pay/custody/internal/ledger"
)

var validate = validator.New()

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, err.Error())
	}
	return nil
}

// IssueCardRequest is the body of POST /cards.
type IssueCardRequest struct {
	Type           string          `json:"type" validate:"required,oneof=virtual physical"`
	SpendingLimit  string          `json:"spending_limit" validate:"omitempty,numeric"`
	Currency       string          `json:"currency" validate:"omitempty,len=3,alpha"`
	CardholderName string          `json:"cardholder_name" validate:"required,max=120"`
	Email          string          `json:"email" validate:"omitempty,email"`
	Billing        *BillingRequest `json:"billing" validate:"omitempty"`
}

// BillingRequest is the cardholder billing address.
type BillingRequest struct {
	Line1      string `json:"line1" validate:"required"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country" validate:"required,len=2,alpha"`
}

// CardResponse is the public view of an issued card.
type CardResponse struct {
	ID             string    `json:"id"`
	Last4          string    `json:"last4"`
	Brand          string    `json:"brand"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	CardholderName string    `json:"cardholder_name"`
	ExpMonth       int       `json:"exp_month"`
	ExpYear        int       `json:"exp_year"`
	SpendingLimit  *string   `json:"spending_limit,omitempty"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuthorizationResponse answers a real-time authorization webhook.
type AuthorizationResponse struct {
	Approved        bool   `json:"approved"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
	DeclineReason   string `json:"decline_reason,omitempty"`
}

// TransactionResponse reports the ledger entry a transaction webhook produced.
type TransactionResponse struct {
	TransactionID string `json:"transaction_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func toCardResponse(c ledger.Card) CardResponse {
	resp := CardResponse{
		ID:             c.ID,
		Last4:          c.Last4,
		Brand:          c.Brand,
		Type:           string(c.Type),
		Status:         string(c.Status),
		CardholderName: c.CardholderName,
		ExpMonth:       c.ExpMonth,
		ExpYear:        c.ExpYear,
		Currency:       c.Currency,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.SpendingLimit.Valid {
		limit := c.SpendingLimit.Decimal.StringFixed(2)
		resp.SpendingLimit = &limit
	}
	return resp
}

func toAuthorizationResponse(a ledger.CardAuthorization) AuthorizationResponse {
	return AuthorizationResponse{
		Approved:        a.Status == ledger.AuthApproved,
		AuthorizationID: a.ProcessorAuthID,
		Status:          string(a.Status),
		DeclineReason:   string(a.DeclineReason),
	}
}

func toTransactionResponse(tx ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		TransactionID: tx.ID,
		Kind:          string(tx.Kind),
		Status:        string(tx.Status),
		Amount:        ledger.FormatAmount(tx.Amount),
		Currency:      tx.Currency,
	}
}
