package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the minor unit of its currency (cents for EUR/USD).
// All persisted amounts are Money; decimals only appear at the edges
// (parsing inbound payloads, percentage math, display).
type Money int64

// BasisPoints expresses a rate in 1/10000 (1500 = 15%).
type BasisPoints int64

const fullRate BasisPoints = 10000

var maxMoney = decimal.NewFromInt(math.MaxInt64)

// MulBps returns m × bps / 10000 rounded half-up to the minor unit.
func (m Money) MulBps(bps BasisPoints) Money {
	v := decimal.NewFromInt(int64(m)).
		Mul(decimal.NewFromInt(int64(bps))).
		Shift(-4).
		Round(0)
	return Money(v.IntPart())
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if o < m {
		return o
	}
	return m
}

// Format renders m in major units using the currency's exponent ("85.00").
func (m Money) Format(currency string) string {
	exp := MinorExponent(currency)
	return decimal.New(int64(m), -exp).StringFixed(exp)
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

// MinorExponent returns the number of decimal places of the currency's minor unit.
func MinorExponent(currency string) int32 {
	c := strings.ToUpper(strings.TrimSpace(currency))
	switch {
	case zeroDecimalCurrencies[c]:
		return 0
	case threeDecimalCurrencies[c]:
		return 3
	default:
		return 2
	}
}

// ParseMajor converts a major-unit decimal string ("100.00") into Money,
// rounding half-up any precision finer than the currency's minor unit.
func ParseMajor(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal amount", ErrInvalidAmount, s)
	}
	return FromDecimal(d, currency)
}

// FromDecimal converts a major-unit decimal into Money.
func FromDecimal(d decimal.Decimal, currency string) (Money, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, d)
	}
	v := d.Shift(MinorExponent(currency)).Round(0)
	if v.GreaterThan(maxMoney) {
		return 0, fmt.Errorf("%w: amount %s overflows", ErrInvalidAmount, d)
	}
	return Money(v.IntPart()), nil
}

// ParsePercent converts "15", "15%" or "2.5%" into basis points.
func ParsePercent(s string) (BasisPoints, error) {
	raw := strings.TrimSuffix(strings.TrimSpace(s), "%")
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("percentage %q out of range 0..100", s)
	}
	return BasisPoints(d.Shift(2).Round(0).IntPart()), nil
}

// Percent renders bps as a percentage string ("15%").
func (b BasisPoints) Percent() string {
	return decimal.New(int64(b), -2).String() + "%"
}

// Valid reports whether b is within 0..100%.
func (b BasisPoints) Valid() bool {
	return b >= 0 && b <= fullRate
}
