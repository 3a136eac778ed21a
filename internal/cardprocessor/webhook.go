package cardprocessor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds how old a signed webhook may be.
const DefaultTolerance = 5 * time.Minute

// SignPayload returns a signature header value for payload at ts.
func SignPayload(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), computeSignature(payload, secret, ts.Unix()))
}

func computeSignature(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against payload. Any v1 entry may match, so
// secrets can be rotated.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	var (
		ts   int64 = -1
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	if tolerance > 0 && now.Sub(time.Unix(ts, 0)).Abs() > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := []byte(computeSignature(payload, secret, ts))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// AuthorizationRequest is the real-time authorization the processor asks us to decide.
type AuthorizationRequest struct {
	AuthID           string
	CardID           string
	Amount           decimal.Decimal
	Currency         string
	MerchantName     string
	MerchantCategory string
}

// RefundNotice reports a refund the processor settled onto a card.
type RefundNotice struct {
	TransactionID string
	CardID        string
	Amount        decimal.Decimal
	Currency      string
	MerchantName  string
}

// CaptureNotice reports that an approved authorization was captured.
type CaptureNotice struct {
	TransactionID   string
	AuthorizationID string
	CardID          string
	Amount          decimal.Decimal
	Currency        string
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type authorizationObject struct {
	ID   string `json:"id"`
	Card struct {
		ID string `json:"id"`
	} `json:"card"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PendingRequest *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"pending_request"`
	MerchantData struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"merchant_data"`
}

type transactionObject struct {
	ID            string `json:"id"`
	Authorization string `json:"authorization"`
	Card          string `json:"card"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	MerchantData  struct {
		Name string `json:"name"`
	} `json:"merchant_data"`
}

func decodeEvent(payload []byte, wantType string) (json.RawMessage, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type != wantType {
		return nil, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	return ev.Data.Object, nil
}

// ParseAuthorizationRequest decodes an issuing_authorization.request event.
func ParseAuthorizationRequest(payload []byte) (AuthorizationRequest, error) {
	raw, err := decodeEvent(payload, "issuing_authorization.request")
	if err != nil {
		return AuthorizationRequest{}, err
	}
	var obj authorizationObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return AuthorizationRequest{}, fmt.Errorf("decode authorization: %w", err)
	}
	amount, currency := obj.Amount, obj.Currency
	if obj.PendingRequest != nil {
		amount, currency = obj.PendingRequest.Amount, obj.PendingRequest.Currency
	}
	if obj.ID == "" || obj.Card.ID == "" {
		return AuthorizationRequest{}, fmt.Errorf("authorization id and card id are required")
	}
	return AuthorizationRequest{
		AuthID:           obj.ID,
		CardID:           obj.Card.ID,
		Amount:           FromMinorUnits(amount),
		Currency:         strings.ToUpper(currency),
		MerchantName:     obj.MerchantData.Name,
		MerchantCategory: obj.MerchantData.Category,
	}, nil
}

// TransactionType reads the type of an issuing_transaction.created event
// (capture or refund).
func TransactionType(payload []byte) (string, error) {
	obj, err := decodeTransaction(payload)
	if err != nil {
		return "", err
	}
	return obj.Type, nil
}

func decodeTransaction(payload []byte) (transactionObject, error) {
	raw, err := decodeEvent(payload, "issuing_transaction.created")
	if err != nil {
		return transactionObject{}, err
	}
	var obj transactionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return transactionObject{}, fmt.Errorf("decode transaction: %w", err)
	}
	if obj.ID == "" {
		return transactionObject{}, fmt.Errorf("transaction id is required")
	}
	return obj, nil
}

func absMinor(amount int64) decimal.Decimal {
	if amount < 0 {
		amount = -amount
	}
	return FromMinorUnits(amount)
}

// ParseRefund decodes an issuing_transaction.created event of type refund.
func ParseRefund(payload []byte) (RefundNotice, error) {
	obj, err := decodeTransaction(payload)
	if err != nil {
		return RefundNotice{}, err
	}
	if obj.Type != "refund" {
		return RefundNotice{}, fmt.Errorf("transaction %s is %q, not a refund", obj.ID, obj.Type)
	}
	return RefundNotice{
		TransactionID: obj.ID,
		CardID:        obj.Card,
		Amount:        absMinor(obj.Amount),
		Currency:      strings.ToUpper(obj.Currency),
		MerchantName:  obj.MerchantData.Name,
	}, nil
}

// ParseCapture decodes an issuing_transaction.created event of type capture.
func ParseCapture(payload []byte) (CaptureNotice, error) {
	obj, err := decodeTransaction(payload)
	if err != nil {
		return CaptureNotice{}, err
	}
	if obj.Type != "capture" {
		return CaptureNotice{}, fmt.Errorf("transaction %s is %q, not a capture", obj.ID, obj.Type)
	}
	if obj.Authorization == "" {
		return CaptureNotice{}, fmt.Errorf("capture %s has no authorization", obj.ID)
	}
	return CaptureNotice{
		TransactionID:   obj.ID,
		AuthorizationID: obj.Authorization,
		CardID:          obj.Card,
		Amount:          absMinor(obj.Amount),
		Currency:        strings.ToUpper(obj.Currency),
	}, nil
}
