// Package token provides shared parsing and arithmetic for marketplace
// payment-token amounts.
//
// The token uses 6 decimal places. All amounts are stored as big.Int in
// the smallest unit (1 token = 1,000,000 units) and exchanged as decimal
// strings at the API boundary.
package token

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Sub returns a-b as a decimal string. Callers validate amounts at the API
// boundary before arithmetic.
func Sub(a, b string) (string, bool) {
	ai, ok := Parse(a)
	if !ok {
		return "", false
	}
	bi, ok := Parse(b)
	if !ok {
		return "", false
	}
	return Format(new(big.Int).Sub(ai, bi)), true
}

// Percent returns pct% of amount, rounded down to the smallest unit.
func Percent(amount string, pct int64) (string, bool) {
	if pct < 0 || pct > 100 {
		return "", false
	}
	ai, ok := Parse(amount)
	if !ok {
		return "", false
	}
	out := new(big.Int).Mul(ai, big.NewInt(pct))
	out.Div(out, big.NewInt(100))
	return Format(out), true
}

// SplitRatio divides amount into a numerator/denominator share and the
// remainder. The first share is rounded down; the second takes the
// remainder so the two always sum exactly to amount.
func SplitRatio(amount string, numerator, denominator int64) (first, second string, ok bool) {
	if numerator < 0 || denominator <= 0 || numerator > denominator {
		return "", "", false
	}
	ai, okParse := Parse(amount)
	if !okParse {
		return "", "", false
	}
	share := new(big.Int).Mul(ai, big.NewInt(numerator))
	share.Div(share, big.NewInt(denominator))
	rest := new(big.Int).Sub(ai, share)
	return Format(share), Format(rest), true
}

// Cmp compares two decimal amount strings. Invalid input compares as zero.
func Cmp(a, b string) int {
	ai, _ := Parse(a)
	bi, _ := Parse(b)
	if ai == nil {
		ai = big.NewInt(0)
	}
	if bi == nil {
		bi = big.NewInt(0)
	}
	return ai.Cmp(bi)
}
