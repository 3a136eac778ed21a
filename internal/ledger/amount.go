package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are stored as NUMERIC(38,18).
const (
	maxAmountDigits  = 38
	maxIntegerDigits = maxAmountDigits - 18
	maxAmountLength  = 64
)

// ParseAmount parses a positive decimal string carrying at most scale
// fractional digits. Exponent notation and values wider than the ledger
// column are refused. Every failure wraps ErrInvalidInput.
func ParseAmount(raw string, scale int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	if len(raw) > maxAmountLength || strings.ContainsAny(raw, "eE") {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a plain decimal", ErrInvalidInput, raw)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a decimal", ErrInvalidInput, raw)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	digits := len(amount.Coefficient().String())
	if amount.Exponent() > 0 || digits > maxAmountDigits || digits+int(amount.Exponent()) > maxIntegerDigits {
		return decimal.Zero, fmt.Errorf("%w: amount %q is out of range", ErrInvalidInput, raw)
	}
	if scale >= 0 && !amount.Equal(amount.Truncate(scale)) {
		return decimal.Zero, fmt.Errorf("%w: amount supports at most %d decimal places", ErrInvalidInput, scale)
	}
	return amount, nil
}

// FormatAmount renders an amount for the wire with at least two fractional
// digits and no trailing zeros beyond that, so "40.00" stays "40.00" whatever
// scale the store returned.
func FormatAmount(d decimal.Decimal) string {
	places := int32(2)
	if s := d.String(); strings.Contains(s, ".") {
		places = max(places, int32(len(s)-strings.IndexByte(s, '.')-1))
	}
	return d.StringFixed(places)
}
