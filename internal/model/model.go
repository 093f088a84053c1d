// Package model defines the core domain types shared across the perpetual
// engine, its stores and its transports.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BpScale is the denominator of every basis-point parameter.
const BpScale = 10_000

// MarketParams holds the admin-mutable configuration of one market.
type MarketParams struct {
	TradingFeeRateBp         int64           `json:"trading_fee_rate_bp"`
	LiquidationFeeRateBp     int64           `json:"liquidation_fee_rate_bp"`
	MaintenanceMarginRatioBp int64           `json:"maintenance_margin_ratio_bp"`
	InitialMarginRatioBp     int64           `json:"initial_margin_ratio_bp"`
	LiquidatorShareBp        int64           `json:"liquidator_share_bp"` // remainder goes to the insurance fund
	MinLeverage              decimal.Decimal `json:"min_leverage"`
	MaxLeverage              decimal.Decimal `json:"max_leverage"`
	MaxPositionNotional      decimal.Decimal `json:"max_position_notional"` // 0 = unlimited
	MaxOpenInterest          decimal.Decimal `json:"max_open_interest"`     // base units, 0 = unlimited
}

// Market is the singleton state of one deployed market.
type Market struct {
	Symbol            string          `json:"symbol" db:"symbol"`
	BaseReserve       decimal.Decimal `json:"base_reserve" db:"base_reserve"`
	QuoteReserve      decimal.Decimal `json:"quote_reserve" db:"quote_reserve"`
	K                 decimal.Decimal `json:"k" db:"k"`
	Params            MarketParams    `json:"params" db:"params"`
	Paused            bool            `json:"paused" db:"paused"`
	OpenInterestLong  decimal.Decimal `json:"open_interest_long" db:"open_interest_long"`
	OpenInterestShort decimal.Decimal `json:"open_interest_short" db:"open_interest_short"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// FundingState is the market-wide funding accumulator.
type FundingState struct {
	Rate            decimal.Decimal `json:"funding_rate"`     // signed, per hour
	Index           decimal.Decimal `json:"funding_index"`    // monotonic: sum of |rate| * hours * index price
	Cumulative      decimal.Decimal `json:"cumulative"`       // signed: sum of rate * hours * index price
	PremiumFraction decimal.Decimal `json:"premium_fraction"` // (mark - index) / index at last update
	LastMarkPrice   decimal.Decimal `json:"last_mark_price"`
	LastIndexPrice  decimal.Decimal `json:"last_index_price"`
	LastFundingTime time.Time       `json:"last_funding_time"`
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "open"
	PositionPartiallyClosed PositionStatus = "partially_closed"
	PositionClosed          PositionStatus = "closed"
	PositionLiquidated      PositionStatus = "liquidated"
)

// CanTransitionTo validates a lifecycle transition. A closed or liquidated
// position is never reopened; the next open creates a fresh position.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionOpen, PositionPartiallyClosed:
		return next == PositionOpen ||
			next == PositionPartiallyClosed ||
			next == PositionClosed ||
			next == PositionLiquidated
	default:
		return false
	}
}

// Position is one account's exposure in a market.
type Position struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	Account                string          `json:"account" db:"account"`
	Size                   decimal.Decimal `json:"size" db:"size"` // signed: +long, -short
	IsLong                 bool            `json:"is_long" db:"is_long"`
	EntryPrice             decimal.Decimal `json:"entry_price" db:"entry_price"`     // OpenNotional / |Size|
	OpenNotional           decimal.Decimal `json:"open_notional" db:"open_notional"` // quote exchanged at entry
	EntryFundingIndex      decimal.Decimal `json:"entry_funding_index" db:"entry_funding_index"`
	EntryCumulativeFunding decimal.Decimal `json:"entry_cumulative_funding" db:"entry_cumulative_funding"`
	// Margin is the nominal sum of the collateral named by each order. An
	// order only needs that much free collateral, so the sum may exceed the
	// account's deposits; ReservedMargin is what is actually locked.
	Margin                 decimal.Decimal `json:"margin" db:"margin"`
	ReservedMargin         decimal.Decimal `json:"reserved_margin" db:"reserved_margin"`
	RealizedPnL            decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	FundingPaid            decimal.Decimal `json:"funding_paid" db:"funding_paid"` // signed: +paid, -received
	Status                 PositionStatus  `json:"status" db:"status"`
	IsActive               bool            `json:"is_active" db:"is_active"`
	OpenedAt               time.Time       `json:"opened_at" db:"opened_at"`
	LastInteractionTime    time.Time       `json:"last_interaction_time" db:"last_interaction_time"`
}

// MarginAccount is one account's collateral in a market.
type MarginAccount struct {
	Account        string          `json:"account" db:"account"`
	Collateral     decimal.Decimal `json:"collateral" db:"collateral"`
	ReservedMargin decimal.Decimal `json:"reserved_margin" db:"reserved_margin"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Debt           decimal.Decimal `json:"debt" db:"debt"` // unpaid shortfall; blocks withdrawals
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// FreeCollateral is the collateral not locked against open positions.
func (a MarginAccount) FreeCollateral() decimal.Decimal {
	free := a.Collateral.Sub(a.ReservedMargin)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// Vault holds the market-level sinks that absorb fees, funding and losses.
type Vault struct {
	InsuranceFund decimal.Decimal `json:"insurance_fund"`
	FeePool       decimal.Decimal `json:"fee_pool"`
	FundingPool   decimal.Decimal `json:"funding_pool"` // signed: funding collected minus funding paid out
	BadDebt       decimal.Decimal `json:"bad_debt"`
}

// UserSummary aggregates an account's exposure in one market.
type UserSummary struct {
	Account        string          `json:"account"`
	TotalLongSize  decimal.Decimal `json:"total_long_size"`
	TotalShortSize decimal.Decimal `json:"total_short_size"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	ActiveCount    int             `json:"active_count"`
}

// EventType names an externally observable engine event.
type EventType string

const (
	EventPositionOpened     EventType = "position_opened"
	EventPositionIncreased  EventType = "position_increased"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventFundingUpdated     EventType = "funding_updated"
	EventFundingPaid        EventType = "funding_paid"
	EventCollateralDeposit  EventType = "collateral_deposited"
	EventCollateralWithdraw EventType = "collateral_withdrawn"
	EventFeesCollected      EventType = "fees_collected"
	EventMarketPaused       EventType = "market_paused"
	EventMarketUnpaused     EventType = "market_unpaused"
	EventParamsUpdated      EventType = "params_updated"
)

// Event is an immutable record of something the engine committed.
// Once created, events are never modified or deleted.
type Event struct {
	ID         uuid.UUID                  `json:"id" db:"id"`
	Seq        int64                      `json:"seq" db:"seq"`
	Market     string                     `json:"market" db:"market"`
	Type       EventType                  `json:"type" db:"type"`
	Account    string                     `json:"account,omitempty" db:"account"`
	PositionID string                     `json:"position_id,omitempty" db:"position_id"`
	Data       map[string]decimal.Decimal `json:"data,omitempty" db:"data"`
	Time       time.Time                  `json:"time" db:"time"`
}

// Changes is everything one committed call touched.
type Changes struct {
	Market    Market          `json:"market"`
	Funding   FundingState    `json:"funding"`
	Vault     Vault           `json:"vault"`
	Accounts  []MarginAccount `json:"accounts,omitempty"`
	Positions []Position      `json:"positions,omitempty"`
	Events    []Event         `json:"events,omitempty"`
}

// State is a complete snapshot of one market, used to restore an engine.
type State struct {
	Market    Market          `json:"market"`
	Funding   FundingState    `json:"funding"`
	Vault     Vault           `json:"vault"`
	Accounts  []MarginAccount `json:"accounts"`
	Positions []Position      `json:"positions"`
	EventSeq  int64           `json:"event_seq"`
}
