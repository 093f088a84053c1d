// Package limits enforces exposure caps on a market: the notional of a
// single account's position and the open interest of each side.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push one
	// account's position notional beyond the per-position maximum.
	ErrPositionLimitExceeded = errors.New("limits: position notional limit exceeded")

	// ErrOpenInterestExceeded is returned when a trade would push the open
	// interest of one side beyond the market maximum.
	ErrOpenInterestExceeded = errors.New("limits: open interest limit exceeded")
)

// Limiter holds the caps. A zero cap means unlimited.
type Limiter struct {
	// MaxPositionNotional bounds |size| * price of any one position, in
	// quote units.
	MaxPositionNotional decimal.Decimal

	// MaxOpenInterest bounds the sum of |size| of all positions on one
	// side, in base units.
	MaxOpenInterest decimal.Decimal
}

// NewLimiter creates a limiter. Negative caps are treated as unlimited.
func NewLimiter(maxPositionNotional, maxOpenInterest decimal.Decimal) *Limiter {
	if maxPositionNotional.IsNegative() {
		maxPositionNotional = decimal.Zero
	}
	if maxOpenInterest.IsNegative() {
		maxOpenInterest = decimal.Zero
	}
	return &Limiter{
		MaxPositionNotional: maxPositionNotional,
		MaxOpenInterest:     maxOpenInterest,
	}
}

// Check validates an exposure increase.
//
// Parameters:
//   - positionNotional: the account's position notional after the trade
//   - sideOpenInterest: the open interest of the traded side after the trade
//
// Returns nil if the trade is within limits.
func (l *Limiter) Check(positionNotional, sideOpenInterest decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPositionNotional.IsPositive() && positionNotional.GreaterThan(l.MaxPositionNotional) {
		return fmt.Errorf("%w: notional %s over cap %s", ErrPositionLimitExceeded,
			positionNotional.StringFixed(2), l.MaxPositionNotional.StringFixed(2))
	}
	if l.MaxOpenInterest.IsPositive() && sideOpenInterest.GreaterThan(l.MaxOpenInterest) {
		return fmt.Errorf("%w: side open interest %s over cap %s", ErrOpenInterestExceeded,
			sideOpenInterest.String(), l.MaxOpenInterest.String())
	}
	return nil
}
