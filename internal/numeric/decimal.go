// Package numeric is the exact-decimal layer shared by the book and the
// analytics. Prices and quantities never pass through float64.
package numeric

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by Parse and ParseLevel.
var (
	ErrEmpty          = errors.New("empty decimal")
	ErrNotNumeric     = errors.New("not a decimal number")
	ErrMalformedLevel = errors.New("malformed price level")
)

var hundred = decimal.NewFromInt(100)

// RawLevel is a price/quantity pair exactly as it arrived on the wire.
// Adapters emit raw text so that one bad level can be skipped at apply time
// without discarding the rest of the message.
type RawLevel struct {
	Price    string
	Quantity string
}

// Level is a parsed price/quantity pair.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Parse converts wire text into a decimal.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return d, nil
}

// ParseLevel parses both sides of a raw level. Price must be positive and
// quantity must not be negative; a zero quantity is valid and means "remove".
func ParseLevel(r RawLevel) (Level, error) {
	price, err := Parse(r.Price)
	if err != nil {
		return Level{}, fmt.Errorf("%w: price: %w", ErrMalformedLevel, err)
	}
	qty, err := Parse(r.Quantity)
	if err != nil {
		return Level{}, fmt.Errorf("%w: quantity at %s: %w", ErrMalformedLevel, price, err)
	}
	if !price.IsPositive() {
		return Level{}, fmt.Errorf("%w: non-positive price %s", ErrMalformedLevel, price)
	}
	if qty.IsNegative() {
		return Level{}, fmt.Errorf("%w: negative quantity %s at %s", ErrMalformedLevel, qty, price)
	}
	return Level{Price: price, Quantity: qty}, nil
}

// Key returns the canonical text of d. Decimals that compare equal but carry
// different exponents ("100", "100.00") share one key.
func Key(d decimal.Decimal) string {
	return d.String()
}

// Percent returns part/whole*100, or zero when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// Sum adds up quantities.
func Sum(levels []Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}

// Decimals counts the significant fractional digits of a tick size such as
// "0.0100" (2) or "1" (0). Unparseable input yields 0.
func Decimals(tick string) int {
	d, err := Parse(tick)
	if err != nil {
		return 0
	}
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}

// Format renders d with the given number of fractional digits.
func Format(d decimal.Decimal, places int) string {
	if places < 0 {
		return d.String()
	}
	return d.StringFixed(int32(places))
}
