package market

import (
	"errors"

	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/vamm"
)

var (
	ErrMarketPaused    = errors.New("market: paused")
	ErrMarketNotPaused = errors.New("market: not paused")
	ErrStaleOracle     = errors.New("market: index price unavailable or stale")
	ErrReentrantCall   = errors.New("market: mutating call from a commit listener")

	ErrInvalidAccount  = errors.New("market: account is required")
	ErrInvalidLeverage = errors.New("market: leverage below the minimum")
	ErrInvalidParams   = errors.New("market: invalid market parameters")
	ErrInvalidConfig   = errors.New("market: invalid configuration")
	ErrSelfLiquidation = errors.New("market: an account cannot liquidate itself")

	// ErrExcessiveLeverage is returned when leverage exceeds the maximum or
	// the initial margin reserve would exceed the committed collateral.
	ErrExcessiveLeverage = errors.New("market: excessive leverage")

	ErrPositionNotFound = errors.New("market: position not found")
	ErrAccountNotFound  = errors.New("market: margin account not found")
	ErrNoActivePosition = errors.New("market: account has no active position")
	ErrNotOwner         = errors.New("market: position belongs to another account")

	// ErrNotLiquidatable is returned when the account is healthy at
	// execution time. Callers re-check and resubmit; nothing retries.
	ErrNotLiquidatable = errors.New("market: account is not liquidatable")
)

// Errors of the leaf packages, re-exported so callers need one import.
var (
	ErrInvalidAmount              = margin.ErrInvalidAmount
	ErrAmountOverflow             = margin.ErrAmountOverflow
	ErrInsufficientCollateral     = margin.ErrInsufficientCollateral
	ErrInsufficientFreeCollateral = margin.ErrInsufficientFreeCollateral
	ErrSlippageExceeded           = vamm.ErrSlippageExceeded
	ErrInsufficientLiquidity      = vamm.ErrInsufficientLiquidity
	ErrInvalidCloseSize           = position.ErrInvalidCloseSize
	ErrPositionLimitExceeded      = limits.ErrPositionLimitExceeded
	ErrOpenInterestExceeded       = limits.ErrOpenInterestExceeded
)

// Kind groups errors by how a caller should react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input, rejected before any state is read.
	KindValidation
	// KindMarketState: the market cannot trade right now.
	KindMarketState
	// KindEconomic: the trade is well-formed but not affordable or not
	// within bounds.
	KindEconomic
	// KindLiquidationRace: the liquidation target recovered.
	KindLiquidationRace
	// KindNotFound: unknown position or account.
	KindNotFound
	// KindForbidden: the caller does not own the position.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMarketState:
		return "market_state"
	case KindEconomic:
		return "economic"
	case KindLiquidationRace:
		return "liquidation_race"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidLeverage),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrSelfLiquidation),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountOverflow),
		errors.Is(err, ErrInvalidCloseSize),
		errors.Is(err, vamm.ErrInvalidSize):
		return KindValidation
	case errors.Is(err, ErrMarketPaused),
		errors.Is(err, ErrMarketNotPaused),
		errors.Is(err, ErrStaleOracle),
		errors.Is(err, ErrReentrantCall),
		errors.Is(err, ErrInsufficientLiquidity):
		return KindMarketState
	case errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrInsufficientFreeCollateral),
		errors.Is(err, ErrExcessiveLeverage),
		errors.Is(err, ErrPositionLimitExceeded),
		errors.Is(err, ErrOpenInterestExceeded):
		return KindEconomic
	case errors.Is(err, ErrNotLiquidatable):
		return KindLiquidationRace
	case errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrNoActivePosition),
		errors.Is(err, position.ErrInactive):
		return KindNotFound
	case errors.Is(err, ErrNotOwner):
		return KindForbidden
	default:
		return KindUnknown
	}
}
