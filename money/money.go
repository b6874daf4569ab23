/*
Package money provides exact fixed-point monetary amounts.

PURPOSE:
  Every amount in the ledger (invoice totals, allocations, payments, refunds)
  is a Money value. Money wraps decimal.Decimal and is always quantized to
  two fractional digits, rounding half away from zero at the point of
  computation. Binary floating point never touches an amount.

INVARIANTS:
  1. Scale: every Money returned by this package has exactly 2 decimals.
  2. Exactness: comparisons are exact decimal comparisons.
  3. Persistence: amounts are stored as decimal text ("600.00"), never REAL.

USAGE:
  total := money.MustParse("1000.00")
  paid := money.MustParse("600")
  balance := total.Sub(paid) // 400.00
*/
package money

import (
	"bytes"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 2

// Money is an exact amount quantized to Scale decimals.
// The zero value is 0.00 and ready to use.
type Money struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Money{}

func quantize(d decimal.Decimal) Money {
	return Money{d: d.Round(Scale)}
}

// New returns value × 10^exp, quantized. New(60000, -2) is 600.00.
func New(value int64, exp int32) Money {
	return quantize(decimal.New(value, exp))
}

// FromCents returns the amount for a count of minor units.
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Scale)}
}

// Literal bounds. A numeric(12,2) column holds at most ten integer digits.
const (
	MaxIntegerDigits  = 10
	maxFractionDigits = 20
)

// ErrInvalidAmount wraps every Parse failure.
var ErrInvalidAmount = errors.New("invalid amount")

// Parse reads a plain decimal literal such as "600", "600.5" or "-12.345".
// Exponent notation and literals with more than MaxIntegerDigits integer
// digits are rejected before any arithmetic happens.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if err := checkLiteral(s); err != nil {
		return Zero, fmt.Errorf("%w %s: %v", ErrInvalidAmount, clip(s), err)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w %s: %v", ErrInvalidAmount, clip(s), err)
	}
	return quantize(d), nil
}

func checkLiteral(s string) error {
	digits := strings.TrimLeft(s, "+-")
	if strings.ContainsAny(digits, "eE") {
		return errors.New("exponent notation is not accepted")
	}
	whole, frac, _ := strings.Cut(digits, ".")
	if len(strings.TrimLeft(whole, "0")) > MaxIntegerDigits {
		return fmt.Errorf("more than %d integer digits", MaxIntegerDigits)
	}
	if len(frac) > maxFractionDigits {
		return fmt.Errorf("more than %d fractional digits", maxFractionDigits)
	}
	return nil
}

// clip quotes s for an error message, shortening long input.
func clip(s string) string {
	const limit = 24
	if len(s) > limit {
		return fmt.Sprintf("%q...", s[:limit])
	}
	return fmt.Sprintf("%q", s)
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Sum adds all amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func (m Money) Add(o Money) Money { return quantize(m.d.Add(o.d)) }
func (m Money) Sub(o Money) Money { return quantize(m.d.Sub(o.d)) }
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }
func (m Money) Mul(quantity int64) Money { return quantize(m.d.Mul(decimal.NewFromInt(quantity))) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// Floor returns m, or zero when m is negative.
func (m Money) Floor() Money { return m.Max(Zero) }

// =============================================================================
// COMPARISON
// =============================================================================

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) LessOrEqual(o Money) bool { return m.d.LessThanOrEqual(o.d) }
func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// Decimal exposes the underlying value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// Cents returns the amount in minor units.
func (m Money) Cents() int64 { return m.d.Shift(Scale).IntPart() }

// String always renders two decimals: "600.00".
func (m Money) String() string { return m.d.StringFixed(Scale) }

// =============================================================================
// ENCODING
// =============================================================================

// MarshalJSON renders the amount as a JSON string so clients never parse it
// through a binary float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts "600.00" or a bare numeric literal 600.00. The literal
// is parsed as decimal text.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*m = Zero
		return nil
	}
	raw = bytes.Trim(raw, `"`)
	parsed, err := Parse(string(raw))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scan implements sql.Scanner. Text, integer and numeric columns are accepted.
func (m *Money) Scan(value any) error {
	if value == nil {
		*m = Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	*m = quantize(d)
	return nil
}

// Value implements driver.Valuer, persisting the fixed two-decimal text.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}
