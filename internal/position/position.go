// Package position holds the per-position arithmetic of the ledger:
// unrealized PnL, notional, entry re-weighting and funding settlement.
//
// Functions take and return model.Position values. The orchestrator owns
// the only mutable copies.
package position

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInactive is returned when mutating a closed position.
	ErrInactive = errors.New("position: not active")

	// ErrInvalidCloseSize is returned when the close size is not in
	// (0, |size|].
	ErrInvalidCloseSize = errors.New("position: close size must be positive and at most the position size")

	// ErrInvalidTransition is returned for a forbidden lifecycle change.
	ErrInvalidTransition = errors.New("position: invalid status transition")
)

// Direction returns +1 for a long and -1 for a short.
func Direction(isLong bool) decimal.Decimal {
	if isLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Open creates a fresh active position from a fill of size base units that
// exchanged quote in quote units.
func Open(account string, isLong bool, size, quote, margin, reserved decimal.Decimal, f model.FundingState, now time.Time) model.Position {
	return model.Position{
		ID:                     uuid.New(),
		Account:                account,
		Size:                   size.Mul(Direction(isLong)),
		IsLong:                 isLong,
		EntryPrice:             quote.Div(size),
		OpenNotional:           quote,
		EntryFundingIndex:      f.Index,
		EntryCumulativeFunding: f.Cumulative,
		Margin:                 margin,
		ReservedMargin:         reserved,
		RealizedPnL:            decimal.Zero,
		FundingPaid:            decimal.Zero,
		Status:                 model.PositionOpen,
		IsActive:               true,
		OpenedAt:               now,
		LastInteractionTime:    now,
	}
}

// AbsSize returns |size|.
func AbsSize(p model.Position) decimal.Decimal {
	return p.Size.Abs()
}

// Notional returns |size| * price.
func Notional(p model.Position, price decimal.Decimal) decimal.Decimal {
	return p.Size.Abs().Mul(price)
}

// PnLAt returns the price PnL of p valued at price: size * (price - entry).
func PnLAt(p model.Position, price decimal.Decimal) decimal.Decimal {
	if !p.IsActive {
		return decimal.Zero
	}
	return p.Size.Mul(price.Sub(p.EntryPrice))
}

// FundingOwed returns the funding p owes since its last settlement.
// Positive means the owner pays.
func FundingOwed(p model.Position, f model.FundingState) decimal.Decimal {
	if !p.IsActive {
		return decimal.Zero
	}
	return funding.Owed(p.Size, p.EntryCumulativeFunding, f)
}

// UnrealizedPnL returns the price PnL at price net of outstanding funding.
func UnrealizedPnL(p model.Position, price decimal.Decimal, f model.FundingState) decimal.Decimal {
	return PnLAt(p, price).Sub(FundingOwed(p, f))
}

// SettleFunding snapshots the funding accumulators and returns the amount
// settled. Positive means the owner paid.
func SettleFunding(p model.Position, f model.FundingState, now time.Time) (model.Position, decimal.Decimal) {
	owed := FundingOwed(p, f)
	p.EntryFundingIndex = f.Index
	p.EntryCumulativeFunding = f.Cumulative
	p.FundingPaid = p.FundingPaid.Add(owed)
	p.LastInteractionTime = now
	return p, owed
}

// Increase adds a same-direction fill to p. The entry price becomes the
// total open notional over the total size, the size-weighted average of
// the old entry and the new fill.
func Increase(p model.Position, size, quote, margin, reserved decimal.Decimal, now time.Time) (model.Position, error) {
	if !p.IsActive {
		return p, ErrInactive
	}
	if !p.Status.CanTransitionTo(model.PositionOpen) {
		return p, ErrInvalidTransition
	}
	newAbs := p.Size.Abs().Add(size)
	p.OpenNotional = p.OpenNotional.Add(quote)
	p.EntryPrice = p.OpenNotional.Div(newAbs)
	p.Size = newAbs.Mul(Direction(p.IsLong))
	p.Margin = p.Margin.Add(margin)
	p.ReservedMargin = p.ReservedMargin.Add(reserved)
	p.Status = model.PositionOpen
	p.LastInteractionTime = now
	return p, nil
}

// Reduction is the outcome of closing part or all of a position.
type Reduction struct {
	Position        model.Position
	PnL             decimal.Decimal // realized price PnL, before fees
	ReleasedReserve decimal.Decimal
	ReleasedMargin  decimal.Decimal
	Closed          bool
}

// Reduce closes size of p against a fill that exchanged quote. The
// realized PnL is dir * (quote - openNotional * size/|p.size|), which equals
// size * (exit - entry) signed by direction. A full close uses the exact
// open notional so an immediate round trip realizes zero.
func Reduce(p model.Position, size, quote decimal.Decimal, final model.PositionStatus, now time.Time) (Reduction, error) {
	if !p.IsActive {
		return Reduction{Position: p}, ErrInactive
	}
	abs := p.Size.Abs()
	if !size.IsPositive() || size.GreaterThan(abs) {
		return Reduction{Position: p}, ErrInvalidCloseSize
	}

	full := size.Equal(abs)
	var notional, reserve, margin decimal.Decimal
	if full {
		notional, reserve, margin = p.OpenNotional, p.ReservedMargin, p.Margin
	} else {
		portion := size.Div(abs)
		notional = p.OpenNotional.Mul(portion)
		reserve = p.ReservedMargin.Mul(portion)
		margin = p.Margin.Mul(portion)
	}

	pnl := quote.Sub(notional).Mul(Direction(p.IsLong))

	next := final
	if !full {
		next = model.PositionPartiallyClosed
	}
	if !p.Status.CanTransitionTo(next) {
		return Reduction{Position: p}, ErrInvalidTransition
	}

	remaining := abs.Sub(size)
	p.Size = remaining.Mul(Direction(p.IsLong))
	p.OpenNotional = p.OpenNotional.Sub(notional)
	p.ReservedMargin = p.ReservedMargin.Sub(reserve)
	p.Margin = p.Margin.Sub(margin)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Status = next
	p.LastInteractionTime = now
	if full {
		p.Size = decimal.Zero
		p.OpenNotional = decimal.Zero
		p.ReservedMargin = decimal.Zero
		p.Margin = decimal.Zero
		p.IsActive = false
	}

	return Reduction{
		Position:        p,
		PnL:             pnl,
		ReleasedReserve: reserve,
		ReleasedMargin:  margin,
		Closed:          full,
	}, nil
}
