// Package asset provides amount parsing and formatting for the token an
// escrow contract settles in.
//
// Amounts are handled as big.Int in the token's smallest unit and
// rendered as decimal strings on the wire (1.500000 USDC = 1500000
// units at 6 decimals). String-in, string-out keeps amounts exact
// across JSON and storage round trips.
package asset

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals matches USDC.
const DefaultDecimals = 6

// MaxDecimals is the largest supported token precision (18 covers ETH
// and every ERC-20 in practice).
const MaxDecimals = 18

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNegative      = errors.New("amount must not be negative")
	ErrPrecision     = errors.New("amount has too many decimal places")
)

// Asset identifies a settlement token and its precision.
type Asset struct {
	Code     string `json:"code"`
	Issuer   string `json:"issuer,omitempty"` // token contract address, empty for the native asset
	Decimals int    `json:"decimals"`
}

// Validate checks the asset definition is usable.
func (a Asset) Validate() error {
	if a.Code == "" {
		return errors.New("asset code is required")
	}
	if a.Decimals < 0 || a.Decimals > MaxDecimals {
		return fmt.Errorf("asset decimals must be between 0 and %d", MaxDecimals)
	}
	return nil
}

// String returns a short identifier like "USDC/6".
func (a Asset) String() string {
	return fmt.Sprintf("%s/%d", a.Code, a.Decimals)
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. More fractional digits than the asset carries
// is an error rather than a silent truncation, so a parsed amount always
// formats back to an equivalent string.
func (a Asset) Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > a.Decimals {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrPrecision, s, a.Decimals)
	}
	for len(frac) < a.Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return result, nil
}

// Format converts a smallest-unit big.Int to a decimal string with the
// asset's full precision (e.g. "1.500000" at 6 decimals).
func (a Asset) Format(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if a.Decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < a.Decimals+1 {
		s = "0" + s
	}
	split := len(s) - a.Decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}
