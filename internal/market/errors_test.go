package market

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindUnknown},
		{errors.New("boom"), KindUnknown},
		{ErrInvalidAccount, KindValidation},
		{ErrInvalidAmount, KindValidation},
		{ErrInvalidCloseSize, KindValidation},
		{ErrSelfLiquidation, KindValidation},
		{fmt.Errorf("%w: fee", ErrInvalidParams), KindValidation},
		{ErrMarketPaused, KindMarketState},
		{fmt.Errorf("%w: %w", ErrStaleOracle, oracle.ErrStale), KindMarketState},
		{ErrInsufficientLiquidity, KindMarketState},
		{ErrReentrantCall, KindMarketState},
		{ErrSlippageExceeded, KindEconomic},
		{ErrExcessiveLeverage, KindEconomic},
		{ErrInsufficientFreeCollateral, KindEconomic},
		{ErrOpenInterestExceeded, KindEconomic},
		{ErrNotLiquidatable, KindLiquidationRace},
		{ErrPositionNotFound, KindNotFound},
		{position.ErrInactive, KindNotFound},
		{ErrNotOwner, KindForbidden},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v): expected %s, got %s", tt.err, tt.want, got)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindLiquidationRace.String() != "liquidation_race" {
		t.Errorf("expected liquidation_race, got %s", KindLiquidationRace)
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("expected unknown, got %s", Kind(99))
	}
}
