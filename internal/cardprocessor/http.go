package cardprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// HTTPConfig configures the Stripe Issuing compatible HTTP client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient implements Client against the Stripe Issuing REST API.
type HTTPClient struct {
	rest *resty.Client
}

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processor base url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("processor api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json")
	return &HTTPClient{rest: rest}, nil
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type cardObject struct {
	ID       string `json:"id"`
	Last4    string `json:"last4"`
	Brand    string `json:"brand"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Status   string `json:"status"`
}

func (c *HTTPClient) CreateCardholder(ctx context.Context, profile Profile) (string, error) {
	form := map[string]string{
		"type":                          "individual",
		"name":                          profile.Name,
		"email":                         profile.Email,
		"metadata[owner_id]":            profile.OwnerID,
		"billing[address][line1]":       profile.Billing.Line1,
		"billing[address][city]":        profile.Billing.City,
		"billing[address][postal_code]": profile.Billing.PostalCode,
		"billing[address][country]":     profile.Billing.Country,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/issuing/cardholders", form, &out); err != nil {
		return "", fmt.Errorf("create cardholder: %w", err)
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateCard(ctx context.Context, cardholderID string, typ CardType, currency string, limits *Limits) (IssuedCard, error) {
	form := map[string]string{
		"cardholder": cardholderID,
		"currency":   strings.ToLower(currency),
		"type":       string(typ),
		"status":     string(StatusActive),
	}
	if limits != nil {
		form["spending_controls[spending_limits][0][amount]"] = toMinorUnits(limits.Monthly)
		form["spending_controls[spending_limits][0][interval]"] = "monthly"
	}
	var out cardObject
	if err := c.post(ctx, "/v1/issuing/cards", form, &out); err != nil {
		return IssuedCard{}, fmt.Errorf("create card: %w", err)
	}
	return IssuedCard{
		ID:       out.ID,
		Last4:    out.Last4,
		Brand:    out.Brand,
		ExpMonth: out.ExpMonth,
		ExpYear:  out.ExpYear,
		Status:   Status(out.Status),
	}, nil
}

func (c *HTTPClient) SetCardStatus(ctx context.Context, cardID string, status Status) error {
	var out cardObject
	if err := c.post(ctx, "/v1/issuing/cards/"+cardID, map[string]string{"status": string(status)}, &out); err != nil {
		return fmt.Errorf("set card %s status: %w", cardID, err)
	}
	return nil
}

func (c *HTTPClient) GetCardStatus(ctx context.Context, cardID string) (Status, error) {
	resp, err := c.rest.R().SetContext(ctx).Get("/v1/issuing/cards/" + cardID)
	if err := classify(resp, err); err != nil {
		return "", fmt.Errorf("get card %s: %w", cardID, err)
	}
	var out cardObject
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode card: %w", err)
	}
	return Status(out.Status), nil
}

func (c *HTTPClient) RespondToAuthorization(ctx context.Context, authID string, approve bool) error {
	action := "decline"
	if approve {
		action = "approve"
	}
	var out struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
	}
	if err := c.post(ctx, "/v1/issuing/authorizations/"+authID+"/"+action, map[string]string{}, &out); err != nil {
		return fmt.Errorf("%s authorization %s: %w", action, authID, err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, form map[string]string, out any) error {
	resp, err := c.rest.R().SetContext(ctx).SetFormData(form).Post(path)
	if err := classify(resp, err); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	code := resp.StatusCode()
	if code < 400 {
		return nil
	}
	var body apiError
	msg := resp.String()
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, msg)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, code, msg)
}

func toMinorUnits(amount decimal.Decimal) string {
	return amount.Shift(2).Round(0).String()
}

// FromMinorUnits converts an integer amount in cents into a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
