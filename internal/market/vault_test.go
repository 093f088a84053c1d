package market

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
)

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 1000)
	f.openLong("alice", 1000, 10) // reserves 100

	err := f.e.WithdrawCollateral(context.Background(), "alice", d(950))
	require.ErrorIs(t, err, ErrInsufficientFreeCollateral)
	assert.Equal(t, KindEconomic, Classify(err))

	require.NoError(t, f.e.WithdrawCollateral(context.Background(), "alice", d(900)))
	a, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, a.Collateral.Equal(d(100)))
	assert.True(t, a.FreeCollateral().IsZero())
	f.requireSolvent()

	types := map[model.EventType]int{}
	for _, ev := range f.events() {
		types[ev.Type]++
	}
	assert.Equal(t, 1, types[model.EventCollateralDeposit])
	assert.Equal(t, 1, types[model.EventCollateralWithdraw])
}

func TestDepositWithdraw_Validation(t *testing.T) {
	f := newFixture(t, deep())

	assert.ErrorIs(t, f.e.DepositCollateral(context.Background(), "", d(1)), ErrInvalidAccount)
	assert.ErrorIs(t, f.e.DepositCollateral(context.Background(), "alice", d(0)), ErrInvalidAmount)
	assert.ErrorIs(t, f.e.DepositCollateral(context.Background(), "alice", margin.MaxAmount.Mul(d(2))), ErrAmountOverflow)
	assert.ErrorIs(t, f.e.WithdrawCollateral(context.Background(), "alice", d(-1)), ErrInvalidAmount)
	assert.ErrorIs(t, f.e.WithdrawCollateral(context.Background(), "nobody", d(1)), ErrAccountNotFound)

	_, err := f.e.MarginAccount(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCanLiquidate_OracleDrop(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 1000)
	p := f.openLong("alice", 1000, 10)

	ok, err := f.e.CanLiquidate(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok, "healthy at 50,000")

	_, err = f.e.Liquidate(context.Background(), "keeper", "alice", p.ID)
	require.ErrorIs(t, err, ErrNotLiquidatable)
	assert.Equal(t, KindLiquidationRace, Classify(err))

	f.setIndex(45000)
	ok, err = f.e.CanLiquidate(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok, "a 10 percent drop wipes out a 10x long")

	upnl, err := f.e.AccountUnrealizedPnL(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, upnl.LessThan(d(-999)))

	// The mark has not moved, so the per-position view is still flat.
	markPnL, err := f.e.UnrealizedPnL(p.ID)
	require.NoError(t, err)
	near(t, d(0), markPnL, 0.01, "mark pnl")
}

func TestCanLiquidateAt(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 1000)
	f.openLong("alice", 1000, 10)

	// Equity 1000 against 10,000 notional is a 10% margin ratio.
	ok, err := f.e.CanLiquidateAt(context.Background(), "alice", 500)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.e.CanLiquidateAt(context.Background(), "alice", 1100)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.e.CanLiquidateAt(context.Background(), "alice", -1)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = f.e.CanLiquidate(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLiquidate(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 1000)
	p := f.openLong("alice", 1000, 10)
	before := f.e.Market()

	f.setIndex(45000)
	liq, err := f.e.Liquidate(context.Background(), "keeper", "alice", p.ID)
	require.NoError(t, err)

	params := DefaultParams()
	fee := margin.Bp(p.OpenNotional, params.LiquidationFeeRateBp)
	assert.True(t, liq.Fee.Equal(fee), "fee %s", liq.Fee)
	assert.True(t, liq.PnL.IsZero(), "closed at the unmoved mark, pnl %s", liq.PnL)
	assert.True(t, liq.LiquidatorReward.Add(liq.InsuranceFee).Equal(fee))
	assert.True(t, liq.LiquidatorReward.Equal(margin.Bp(fee, params.LiquidatorShareBp)))
	assert.True(t, liq.BadDebt.IsZero())

	closed, err := f.e.Position(p.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	assert.Equal(t, model.PositionLiquidated, closed.Status)
	_, err = f.e.AccountPosition("alice")
	assert.ErrorIs(t, err, ErrNoActivePosition)

	alice, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, alice.Collateral.Equal(d(1000).Sub(fee)))
	assert.True(t, alice.ReservedMargin.IsZero())

	keeper, err := f.e.MarginAccount(context.Background(), "keeper")
	require.NoError(t, err)
	assert.True(t, keeper.Collateral.Equal(liq.LiquidatorReward))
	assert.True(t, f.e.Vault().InsuranceFund.Equal(liq.InsuranceFee))

	after := f.e.Market()
	assert.True(t, after.K.Equal(before.K))
	assert.True(t, after.BaseReserve.Equal(d(1_000_000)), "position unwound through the pool")
	assert.True(t, after.OpenInterestLong.IsZero())

	var liquidated bool
	for _, ev := range f.events() {
		if ev.Type == model.EventPositionLiquidated {
			liquidated = true
			assert.Equal(t, "alice", ev.Account)
			assert.Equal(t, p.ID.String(), ev.PositionID)
		}
	}
	assert.True(t, liquidated)
	f.requireSolvent()

	// A second attempt finds nothing to liquidate.
	_, err = f.e.Liquidate(context.Background(), "keeper", "alice", p.ID)
	assert.Equal(t, KindNotFound, Classify(err))
}

func TestLiquidate_RejectsBadCallers(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 1000)
	p := f.openLong("alice", 1000, 10)
	f.setIndex(45000)

	_, err := f.e.Liquidate(context.Background(), "alice", "alice", p.ID)
	assert.ErrorIs(t, err, ErrSelfLiquidation)

	_, err = f.e.Liquidate(context.Background(), "keeper", "bob", p.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.e.Liquidate(context.Background(), "keeper", "alice", uuid.New())
	assert.ErrorIs(t, err, ErrPositionNotFound)

	_, err = f.e.Liquidate(context.Background(), "", "alice", p.ID)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestLiquidate_FeeCappedAtCollateral(t *testing.T) {
	f := newFixture(t, shallow())
	f.deposit("alice", 100)
	f.deposit("whale", 100_000)
	p := f.openShort("alice", 100, 100)
	f.openLong("whale", 100_000, 10) // lifts the mark ~4%
	f.setIndex(52000)

	ok, err := f.e.CanLiquidate(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)

	liq, err := f.e.Liquidate(context.Background(), "keeper", "alice", p.ID)
	require.NoError(t, err)
	assert.True(t, liq.Fee.IsZero(), "nothing left to charge")
	assert.True(t, liq.BadDebt.IsPositive())

	alice, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, alice.Collateral.IsZero())
	assert.True(t, alice.Debt.Equal(liq.BadDebt))
	assert.True(t, f.e.Vault().BadDebt.Equal(liq.BadDebt))
	f.requireSolvent()
}
