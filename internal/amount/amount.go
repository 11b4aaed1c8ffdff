// Package amount provides fixed-point parsing and arithmetic for token amounts.
//
// Amounts travel through the system as decimal strings (e.g. "1.50") and are
// stored as big.Int in the smallest unit. Six decimal places matches the
// stablecoin denominations the platform settles in (1 token = 1,000,000 units).
package amount

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
func Format(a *big.Int) string {
	if a == nil {
		return "0.000000"
	}
	neg := a.Sign() < 0
	abs := new(big.Int).Abs(a)
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

// Add returns the decimal-string sum of two amounts. Invalid inputs
// parse as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a - b as a decimal string, clamped at zero.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	diff := new(big.Int).Sub(av, bv)
	if diff.Sign() < 0 {
		diff.SetInt64(0)
	}
	return Format(diff)
}

// Cmp compares two decimal-string amounts: -1 if a < b, 0 if equal, 1 if a > b.
// Invalid inputs parse as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// IsWhole reports whether the amount has no fractional part.
// Used by the anomaly monitor's round-number heuristic.
func IsWhole(s string) bool {
	v, ok := Parse(s)
	if !ok || v == nil {
		return false
	}
	unit := big.NewInt(1)
	for i := 0; i < Decimals; i++ {
		unit.Mul(unit, big.NewInt(10))
	}
	return new(big.Int).Mod(v, unit).Sign() == 0
}
