// Package settlement talks to the external value-transfer network (Tron) that
// holds the authoritative balances and transaction outcomes.
package settlement

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks a transient failure: transport error, timeout,
	// throttling or a 5xx. The external effect may or may not have happened.
	ErrUnavailable = errors.New("settlement network unavailable")

	// ErrRejected means the network definitively refused a broadcast.
	ErrRejected = errors.New("settlement network rejected transfer")

	// ErrKeyMismatch is returned when a private key does not control the
	// transfer's source address.
	ErrKeyMismatch = errors.New("private key does not match source address")
)

const (
	NetworkTron = "tron"

	AssetTRX  = "TRX"
	AssetUSDT = "USDT"

	// USDTContract is the TRC-20 USDT contract on Tron mainnet.
	USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

	// AssetDecimals is the number of fractional digits both TRX and USDT carry.
	AssetDecimals int32 = 6

	addressVersion byte = 0x41
)

var (
	addressPattern = regexp.MustCompile(`^T[A-Za-z0-9]{33}$`)

	// DefaultFee is the flat TRX fee estimate quoted for a TRC-20 transfer.
	DefaultFee = decimal.NewFromInt(14)
)

// Status is the network's view of a broadcast transfer.
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// KeyPair is a freshly generated custodial key. PrivateKey must be encrypted
// before it leaves the caller.
type KeyPair struct {
	Address    string
	PrivateKey []byte
}

// Transfer describes a value movement before signing.
type Transfer struct {
	From      string
	To        string
	Amount    decimal.Decimal
	Asset     string
	Reference string
	Expiry    time.Time
}

// SignedTransfer is a transfer ready for broadcast. TxID is derived from the
// signed content, so it is known before the network is contacted.
type SignedTransfer struct {
	Transfer
	TxID      string
	RawData   []byte
	Signature []byte
	PublicKey []byte
}

// Client is the abstraction over the settlement network.
type Client interface {
	GenerateKeyPair(ctx context.Context) (KeyPair, error)
	ValidateAddress(addr string) bool
	GetBalance(ctx context.Context, addr, asset string) (decimal.Decimal, error)
	Broadcast(ctx context.Context, tx SignedTransfer) (string, error)
	Lookup(ctx context.Context, txRef string) (Status, error)
}

// ValidateAddress reports whether addr is well-formed for Tron.
func ValidateAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// EstimateFee returns the TRX fee quoted for sending asset.
func EstimateFee(asset string) decimal.Decimal {
	if asset == AssetTRX {
		return decimal.RequireFromString("1.1")
	}
	return DefaultFee
}
