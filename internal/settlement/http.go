package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const apiKeyHeader = "TRON-PRO-API-KEY"

// HTTPConfig configures the TronGrid-compatible HTTP client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient implements Client against a TronGrid-compatible HTTP API. Key
// generation and address validation are local.
type HTTPClient struct {
	rest *resty.Client
}

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("settlement base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rest.SetHeader(apiKeyHeader, cfg.APIKey)
	}
	return &HTTPClient{rest: rest}, nil
}

func (c *HTTPClient) GenerateKeyPair(_ context.Context) (KeyPair, error) {
	return NewKeyPair()
}

func (c *HTTPClient) ValidateAddress(addr string) bool {
	return ValidateAddress(addr)
}

type accountResponse struct {
	Data []struct {
		Balance int64               `json:"balance"`
		TRC20   []map[string]string `json:"trc20"`
	} `json:"data"`
	Success bool `json:"success"`
}

// GetBalance returns the balance of asset held by addr, in whole units.
func (c *HTTPClient) GetBalance(ctx context.Context, addr, asset string) (decimal.Decimal, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("address", addr).
		Get("/v1/accounts/{address}")
	if err := classify(resp, err); err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", addr, err)
	}

	var body accountResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return decimal.Zero, fmt.Errorf("decode account response: %w", err)
	}
	if len(body.Data) == 0 {
		// Accounts that never received funds are not activated on chain.
		return decimal.Zero, nil
	}

	account := body.Data[0]
	switch asset {
	case AssetTRX:
		return decimal.New(account.Balance, -AssetDecimals), nil
	case AssetUSDT:
		for _, entry := range account.TRC20 {
			if raw, ok := entry[USDTContract]; ok {
				units, err := decimal.NewFromString(raw)
				if err != nil {
					return decimal.Zero, fmt.Errorf("decode trc20 balance %q: %w", raw, err)
				}
				return units.Shift(-AssetDecimals), nil
			}
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported asset %q", asset)
	}
}

type broadcastRequest struct {
	TxID       string   `json:"txID"`
	RawDataHex string   `json:"raw_data_hex"`
	Signature  []string `json:"signature"`
	PublicKey  string   `json:"public_key"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Broadcast submits a signed transfer. A definitive refusal wraps ErrRejected;
// anything ambiguous wraps ErrUnavailable.
func (c *HTTPClient) Broadcast(ctx context.Context, tx SignedTransfer) (string, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(broadcastRequest{
			TxID:       tx.TxID,
			RawDataHex: hex.EncodeToString(tx.RawData),
			Signature:  []string{hex.EncodeToString(tx.Signature)},
			PublicKey:  hex.EncodeToString(tx.PublicKey),
		}).
		Post("/wallet/broadcasttransaction")
	if err := classify(resp, err); err != nil {
		return "", fmt.Errorf("broadcast %s: %w", tx.TxID, err)
	}

	var body broadcastResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("broadcast %s: decode response: %w", tx.TxID, ErrUnavailable)
	}
	if !body.Result {
		msg := body.Message
		if decoded, err := hex.DecodeString(msg); err == nil {
			msg = string(decoded)
		}
		return "", fmt.Errorf("%w: %s %s", ErrRejected, body.Code, msg)
	}
	if body.TxID == "" {
		body.TxID = tx.TxID
	}
	return body.TxID, nil
}

type txInfoResponse struct {
	ID          string `json:"id"`
	BlockNumber int64  `json:"blockNumber"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
	Result string `json:"result"`
}

// Lookup resolves the on-chain fate of txRef.
func (c *HTTPClient) Lookup(ctx context.Context, txRef string) (Status, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"value": txRef}).
		Post("/wallet/gettransactioninfobyid")
	if err := classify(resp, err); err != nil {
		return "", fmt.Errorf("lookup %s: %w", txRef, err)
	}

	var body txInfoResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("lookup %s: decode response: %w", txRef, err)
	}
	switch {
	case body.ID == "":
		return StatusNotFound, nil
	case body.Result == "FAILED":
		return StatusFailed, nil
	case body.BlockNumber == 0:
		return StatusPending, nil
	case body.Receipt.Result == "" || body.Receipt.Result == "SUCCESS":
		return StatusConfirmed, nil
	default:
		return StatusFailed, nil
	}
}

func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	case code >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, resp.String())
	}
	return nil
}
