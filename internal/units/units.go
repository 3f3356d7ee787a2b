// Package units converts between on-chain integer amounts and the decimal
// strings shown to people.
//
// MON is the native token and uses 18 decimals. MXN amounts are stored on
// chain as whole pesos and are passed through unchanged.
package units

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals of the native token.
const EtherDecimals = 18

// FormatEther renders a wei amount in ether units with trailing zeros
// trimmed, always keeping at least one fractional digit ("1.0", "2.5").
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// FormatUnits renders an integer amount with the given number of decimals.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(amount, -decimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParseEther converts a decimal ether string ("2.5") to wei. Negative
// values and more than 18 fractional digits are rejected.
func ParseEther(s string) (*big.Int, bool) {
	return ParseUnits(s, EtherDecimals)
}

// ParseUnits converts a decimal string to its smallest-unit integer.
func ParseUnits(s string, decimals int32) (*big.Int, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil, false
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, false
	}
	return scaled.BigInt(), true
}
