package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Parameter bounds enforced by ValidateParams.
const (
	MaxTradingFeeRateBp     = 1_000
	MaxLiquidationFeeRateBp = 2_000
	MaxMaintenanceMarginBp  = 5_000
	MaxLeverageCap          = 100
)

// DefaultParams returns a 10bp trading fee, a 1% liquidation fee split
// evenly with the insurance fund, 0.5% maintenance and 1% initial margin,
// and 1x-100x leverage without exposure caps.
func DefaultParams() model.MarketParams {
	return model.MarketParams{
		TradingFeeRateBp:         10,
		LiquidationFeeRateBp:     100,
		MaintenanceMarginRatioBp: 50,
		InitialMarginRatioBp:     100,
		LiquidatorShareBp:        5_000,
		MinLeverage:              decimal.NewFromInt(1),
		MaxLeverage:              decimal.NewFromInt(MaxLeverageCap),
		MaxPositionNotional:      decimal.Zero,
		MaxOpenInterest:          decimal.Zero,
	}
}

// ValidateParams checks p against the bounds above. Initial margin must
// be at least the maintenance margin.
func ValidateParams(p model.MarketParams) error {
	switch {
	case p.TradingFeeRateBp < 0 || p.TradingFeeRateBp > MaxTradingFeeRateBp:
		return fmt.Errorf("%w: trading fee %dbp outside [0, %d]", ErrInvalidParams, p.TradingFeeRateBp, MaxTradingFeeRateBp)
	case p.LiquidationFeeRateBp < 0 || p.LiquidationFeeRateBp > MaxLiquidationFeeRateBp:
		return fmt.Errorf("%w: liquidation fee %dbp outside [0, %d]", ErrInvalidParams, p.LiquidationFeeRateBp, MaxLiquidationFeeRateBp)
	case p.MaintenanceMarginRatioBp <= 0 || p.MaintenanceMarginRatioBp > MaxMaintenanceMarginBp:
		return fmt.Errorf("%w: maintenance margin %dbp outside (0, %d]", ErrInvalidParams, p.MaintenanceMarginRatioBp, MaxMaintenanceMarginBp)
	case p.InitialMarginRatioBp < p.MaintenanceMarginRatioBp || p.InitialMarginRatioBp > model.BpScale:
		return fmt.Errorf("%w: initial margin %dbp outside [%d, %d]", ErrInvalidParams, p.InitialMarginRatioBp, p.MaintenanceMarginRatioBp, model.BpScale)
	case p.LiquidatorShareBp < 0 || p.LiquidatorShareBp > model.BpScale:
		return fmt.Errorf("%w: liquidator share %dbp outside [0, %d]", ErrInvalidParams, p.LiquidatorShareBp, model.BpScale)
	case p.MinLeverage.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: minimum leverage %s below 1", ErrInvalidParams, p.MinLeverage)
	case p.MaxLeverage.LessThan(p.MinLeverage) || p.MaxLeverage.GreaterThan(decimal.NewFromInt(MaxLeverageCap)):
		return fmt.Errorf("%w: maximum leverage %s outside [%s, %d]", ErrInvalidParams, p.MaxLeverage, p.MinLeverage, MaxLeverageCap)
	case p.MaxPositionNotional.IsNegative() || p.MaxOpenInterest.IsNegative():
		return fmt.Errorf("%w: exposure caps must not be negative", ErrInvalidParams)
	}
	return nil
}
