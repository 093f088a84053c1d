package market

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Privileged configuration. Authorization is the transport's concern.

// Pause stops every mutating call except Unpause and SetParams.
func (e *Engine) Pause(ctx context.Context) error {
	err := e.execute(ctx, "pause", false, func(tx *txn) error {
		if tx.market.Paused {
			return ErrMarketPaused
		}
		tx.market.Paused = true
		tx.emit(model.EventMarketPaused, "", uuid.Nil, nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Warn("market paused")
	return nil
}

// Unpause resumes trading. Funding restarts from the moment of unpausing
// so no funding accrues over the pause.
func (e *Engine) Unpause(ctx context.Context) error {
	err := e.execute(ctx, "unpause", false, func(tx *txn) error {
		if !tx.market.Paused {
			return ErrMarketNotPaused
		}
		tx.market.Paused = false
		tx.funding.LastFundingTime = tx.now
		tx.emit(model.EventMarketUnpaused, "", uuid.Nil, nil)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("market unpaused")
	return nil
}

// SetParams replaces the market parameters after validating their bounds.
// Open positions keep the margin they reserved; new bounds apply to the
// next call.
func (e *Engine) SetParams(ctx context.Context, p model.MarketParams) error {
	if err := ValidateParams(p); err != nil {
		return err
	}
	err := e.execute(ctx, "set_params", false, func(tx *txn) error {
		tx.market.Params = p
		tx.emit(model.EventParamsUpdated, "", uuid.Nil, map[string]decimal.Decimal{
			"trading_fee_rate_bp":         decimal.NewFromInt(p.TradingFeeRateBp),
			"liquidation_fee_rate_bp":     decimal.NewFromInt(p.LiquidationFeeRateBp),
			"maintenance_margin_ratio_bp": decimal.NewFromInt(p.MaintenanceMarginRatioBp),
			"initial_margin_ratio_bp":     decimal.NewFromInt(p.InitialMarginRatioBp),
			"liquidator_share_bp":         decimal.NewFromInt(p.LiquidatorShareBp),
			"min_leverage":                p.MinLeverage,
			"max_leverage":                p.MaxLeverage,
			"max_position_notional":       p.MaxPositionNotional,
			"max_open_interest":           p.MaxOpenInterest,
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("market params updated",
		"trading_fee_rate_bp", p.TradingFeeRateBp,
		"maintenance_margin_ratio_bp", p.MaintenanceMarginRatioBp,
		"initial_margin_ratio_bp", p.InitialMarginRatioBp,
	)
	return nil
}
