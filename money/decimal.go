package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of fraction digits in one whole unit.
const DefaultDecimals = 18

// maxDigits bounds the length of an amount string. 78 digits hold any
// 256-bit integer.
const maxDigits = 78

var plainDecimal = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Parse converts a human decimal string ("0.50") into smallest units.
// It rejects negative values, exponent notation, and values with more
// fraction digits than decimals allows. It never rounds.
func Parse(s string, decimals int32) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount")
	}
	if len(s) > maxDigits+2 || !plainDecimal.MatchString(s) {
		return Amount{}, fmt.Errorf("money: invalid amount %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("money: negative amount %q", s)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Amount{}, fmt.Errorf("money: %q has more than %d fraction digits", s, decimals)
	}
	return Amount{shifted.BigInt()}, nil
}

// Format renders a in whole units with at least two fraction digits.
func Format(a Amount, decimals int32) string {
	s := decimal.NewFromBigInt(a.val(), -decimals).String()
	whole, frac, _ := strings.Cut(s, ".")
	for len(frac) < 2 {
		frac += "0"
	}
	return whole + "." + frac
}
