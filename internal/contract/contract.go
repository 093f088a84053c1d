// Package contract handles perpetual market symbol parsing, validation,
// and derivation of initial vAMM reserves from a reference price.
package contract

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Suffix marks a perpetual contract.
const Suffix = "PERP"

// symbolRegex matches: {BASE}-{QUOTE}-PERP
// Example: BTC-USD-PERP
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,10})-([A-Z]{3,5})-PERP$`,
)

var validQuotes = map[string]bool{
	"USD":  true,
	"USDC": true,
	"USDT": true,
	"DAI":  true,
}

var (
	ErrInvalidSymbol = errors.New("contract: invalid market symbol")
	ErrInvalidQuote  = errors.New("contract: unsupported quote asset")
	ErrInvalidDepth  = errors.New("contract: price and depth must be positive")
)

// MinDepth is the smallest quote reserve a market may start with.
var MinDepth = decimal.NewFromInt(1000)

// Contract represents a parsed perpetual market symbol.
type Contract struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParseSymbol parses and validates a market symbol.
// Format: {BASE}-{QUOTE}-PERP
func ParseSymbol(symbol string) (*Contract, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-PERP)",
			ErrInvalidSymbol, symbol)
	}

	base := matches[1]
	quote := matches[2]

	if !validQuotes[quote] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, quote)
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote are both %s", ErrInvalidSymbol, base)
	}

	return &Contract{
		Symbol: symbol,
		Base:   base,
		Quote:  quote,
	}, nil
}

// DeriveReserves computes starting reserves for a pool whose mark price
// equals price and whose quote side holds depth. The base reserve is
// depth / price rounded to 18 places; the quote reserve is recomputed from
// it so the opening mark is exact to that precision.
//
// Depth below MinDepth is raised to MinDepth to prevent degenerate pools.
func DeriveReserves(price, depth decimal.Decimal) (base, quote decimal.Decimal, err error) {
	if !price.IsPositive() || !depth.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidDepth
	}
	if depth.LessThan(MinDepth) {
		depth = MinDepth
	}
	base = depth.DivRound(price, 18)
	if !base.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidDepth
	}
	return base, base.Mul(price), nil
}
