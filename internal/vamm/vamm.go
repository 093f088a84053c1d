// Package vamm implements the constant-product virtual automated market
// maker that prices perpetual trades.
//
// The pool holds no real liquidity. Two virtual reserves, base and quote,
// define a curve base * quote = k. Buying base (a long) removes base from
// the pool and adds quote; selling base (a short) does the opposite. The
// mark price is quote / base.
//
// All monetary values use shopspring/decimal, never float64 for money.
// Reserves is a value type: every operation returns a new Reserves and
// leaves the receiver untouched, so callers can simulate a trade, validate
// it and only then commit the result.
package vamm

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidReserves is returned when a pool is created with a
	// non-positive reserve.
	ErrInvalidReserves = errors.New("vamm: reserves must be positive")

	// ErrDivisionByZero is returned when the base reserve is zero. It cannot
	// happen for reserves built with NewReserves and advanced with Swap.
	ErrDivisionByZero = errors.New("vamm: division by zero")

	// ErrInvalidSize is returned for a non-positive trade size.
	ErrInvalidSize = errors.New("vamm: trade size must be positive")

	// ErrInsufficientLiquidity is returned when a trade would drive a
	// reserve to zero or below.
	ErrInsufficientLiquidity = errors.New("vamm: insufficient liquidity")

	// ErrSlippageExceeded is returned when the post-trade mark price falls
	// outside the caller's bounds.
	ErrSlippageExceeded = errors.New("vamm: slippage exceeded")
)

// Reserves is the state of the virtual pool.
type Reserves struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
	// K is fixed at creation. Quote is always recomputed as K / Base so
	// rounding never accumulates into the invariant.
	K decimal.Decimal `json:"k"`
}

// Fill describes the execution of one swap against the pool.
type Fill struct {
	Size         decimal.Decimal `json:"size"`           // base traded, always positive
	QuoteAmount  decimal.Decimal `json:"quote_amount"`   // quote paid (long) or received (short)
	ExecPrice    decimal.Decimal `json:"exec_price"`     // QuoteAmount / Size
	NewMarkPrice decimal.Decimal `json:"new_mark_price"` // mark after the swap
}

// NewReserves creates a pool from its two reserves.
func NewReserves(base, quote decimal.Decimal) (Reserves, error) {
	if !base.IsPositive() || !quote.IsPositive() {
		return Reserves{}, ErrInvalidReserves
	}
	return Reserves{Base: base, Quote: quote, K: base.Mul(quote)}, nil
}

// NewReservesAtPrice creates a pool holding base units whose mark price
// equals price.
func NewReservesAtPrice(base, price decimal.Decimal) (Reserves, error) {
	return NewReserves(base, base.Mul(price))
}

// MarkPrice returns quote / base.
func (r Reserves) MarkPrice() (decimal.Decimal, error) {
	if r.Base.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return r.Quote.Div(r.Base), nil
}

// Swap simulates a trade of size base units. A long buys base from the
// pool, a short sells base into it. The receiver is not modified; the
// returned Reserves is the committed state if the caller accepts the fill.
func (r Reserves) Swap(size decimal.Decimal, isLong bool) (Reserves, Fill, error) {
	if !size.IsPositive() {
		return r, Fill{}, ErrInvalidSize
	}

	var newBase decimal.Decimal
	if isLong {
		newBase = r.Base.Sub(size)
	} else {
		newBase = r.Base.Add(size)
	}
	if !newBase.IsPositive() {
		return r, Fill{}, ErrInsufficientLiquidity
	}

	newQuote := r.K.Div(newBase)
	if !newQuote.IsPositive() {
		return r, Fill{}, ErrInsufficientLiquidity
	}

	var quoteAmount decimal.Decimal
	if isLong {
		quoteAmount = newQuote.Sub(r.Quote)
	} else {
		quoteAmount = r.Quote.Sub(newQuote)
	}

	next := Reserves{Base: newBase, Quote: newQuote, K: r.K}
	mark, err := next.MarkPrice()
	if err != nil {
		return r, Fill{}, err
	}

	return next, Fill{
		Size:         size,
		QuoteAmount:  quoteAmount,
		ExecPrice:    quoteAmount.Div(size),
		NewMarkPrice: mark,
	}, nil
}

// PriceImpact returns the relative change of the mark price a trade of
// size would cause: (newMark - mark) / mark. Positive for longs, negative
// for shorts.
func (r Reserves) PriceImpact(size decimal.Decimal, isLong bool) (decimal.Decimal, error) {
	mark, err := r.MarkPrice()
	if err != nil {
		return decimal.Zero, err
	}
	_, fill, err := r.Swap(size, isLong)
	if err != nil {
		return decimal.Zero, err
	}
	return fill.NewMarkPrice.Sub(mark).Div(mark), nil
}

// SizeForNotional converts a quote notional into base units at the
// current mark price.
func (r Reserves) SizeForNotional(notional decimal.Decimal) (decimal.Decimal, error) {
	mark, err := r.MarkPrice()
	if err != nil {
		return decimal.Zero, err
	}
	if mark.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return notional.Div(mark), nil
}

// CheckSlippage validates price against [minPrice, maxPrice]. A zero bound
// is treated as unbounded on that side.
func CheckSlippage(price, minPrice, maxPrice decimal.Decimal) error {
	if minPrice.IsPositive() && price.LessThan(minPrice) {
		return ErrSlippageExceeded
	}
	if maxPrice.IsPositive() && price.GreaterThan(maxPrice) {
		return ErrSlippageExceeded
	}
	return nil
}
