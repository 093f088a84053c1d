package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/model"
)

func TestUpdateFunding_OncePerInterval(t *testing.T) {
	f := newFixture(t, deep())

	changed, err := f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "interval has not elapsed")
	assert.Empty(t, f.changes)

	f.advance(time.Hour)
	changed, err = f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "second call in the same interval")
	assert.Len(t, f.changes, 1)

	fs := f.e.FundingState()
	assert.True(t, fs.LastFundingTime.Equal(f.now))
	assert.True(t, fs.Rate.IsZero(), "mark equals index, rate %s", fs.Rate)
}

func TestUpdateFunding_StaleOracle(t *testing.T) {
	f := newFixture(t, deep())
	f.now = f.now.Add(2 * time.Hour) // feed not republished

	_, err := f.e.UpdateFunding(context.Background())
	require.ErrorIs(t, err, ErrStaleOracle)
	assert.Equal(t, KindMarketState, Classify(err))
	assert.True(t, f.e.FundingState().LastFundingTime.Equal(t0))
}

func TestUpdateFunding_IndexIsMonotonic(t *testing.T) {
	f := newFixture(t, shallow())
	f.deposit("whale", 200_000)
	f.openLong("whale", 100_000, 10) // mark ~4% over index

	f.advance(time.Hour)
	_, err := f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	first := f.e.FundingState()
	assert.True(t, first.Rate.Equal(d(0.001)), "rate clamped, got %s", first.Rate)
	assert.True(t, first.Cumulative.IsPositive())

	// An index far above the mark flips the premium.
	f.setIndex(60000)
	f.advance(3 * time.Hour)
	_, err = f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	second := f.e.FundingState()
	assert.True(t, second.Rate.IsNegative())
	assert.True(t, second.Index.GreaterThan(first.Index), "index must not decrease")
	assert.True(t, second.Cumulative.LessThan(first.Cumulative))

	// Three missed hours are caught up in one accrual.
	accrual := first.Cumulative.Sub(second.Cumulative)
	assert.True(t, accrual.Equal(second.Rate.Abs().Mul(d(3)).Mul(d(60000))), "accrual %s", accrual)
}

func TestFunding_LongsPayShortsReceive(t *testing.T) {
	f := newFixture(t, shallow())
	f.deposit("alice", 200_000)
	f.deposit("bob", 10_000)
	alice := f.openLong("alice", 100_000, 10)
	bob := f.openShort("bob", 1000, 10)

	f.advance(time.Hour)
	changed, err := f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, f.e.FundingState().Rate.IsPositive())

	bobBefore, err := f.e.MarginAccount(context.Background(), "bob")
	require.NoError(t, err)
	bob, err = f.e.Position(bob.ID)
	require.NoError(t, err)

	_, err = f.e.ClosePosition(context.Background(), CloseOrder{Account: "bob", PositionID: bob.ID, Size: bob.Size.Abs()})
	require.NoError(t, err)
	_, err = f.e.ClosePosition(context.Background(), CloseOrder{Account: "alice", PositionID: alice.ID, Size: alice.Size.Abs()})
	require.NoError(t, err)

	paid := map[string]decimal.Decimal{}
	total := decimal.Zero
	for _, ev := range f.events() {
		if ev.Type == model.EventFundingPaid {
			paid[ev.Account] = ev.Data["amount"]
			total = total.Add(ev.Data["amount"])
		}
	}
	require.Len(t, paid, 2)
	assert.True(t, paid["alice"].IsPositive(), "long pays, got %s", paid["alice"])
	assert.True(t, paid["bob"].IsNegative(), "short receives, got %s", paid["bob"])
	assert.True(t, f.e.Vault().FundingPool.Equal(total))

	cum := f.e.FundingState().Cumulative
	assert.True(t, paid["alice"].Equal(alice.Size.Mul(cum)))
	assert.True(t, paid["bob"].Equal(bob.Size.Mul(cum)))

	// Settlement is lazy: the update alone moved no collateral.
	assert.True(t, bobBefore.Collateral.Equal(d(10_000)))
	f.requireSolvent()
}

func TestFunding_ReceivedRepaysDebtFirst(t *testing.T) {
	f := newFixture(t, shallow())
	f.deposit("alice", 200_000)
	f.deposit("bob", 10_000)
	f.openLong("alice", 100_000, 10)
	bob := f.openShort("bob", 1000, 10)

	f.e.mu.Lock()
	a := f.e.accounts["bob"]
	a.Debt = d(2)
	f.e.accounts["bob"] = a
	f.e.vault.BadDebt = d(2)
	f.e.mu.Unlock()

	f.advance(time.Hour)
	_, err := f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	insurance := f.e.Vault().InsuranceFund

	_, err = f.e.ClosePosition(context.Background(), CloseOrder{Account: "bob", PositionID: bob.ID, Size: bob.Size.Abs()})
	require.NoError(t, err)

	var settled *model.Event
	for _, ev := range f.events() {
		if ev.Type == model.EventFundingPaid && ev.Account == "bob" {
			settled = &ev
		}
	}
	require.NotNil(t, settled)
	require.True(t, settled.Data["amount"].LessThan(d(-2)), "bob receives more than his debt, got %s", settled.Data["amount"])
	assert.True(t, settled.Data["debt_repaid"].Equal(d(2)), "got %s", settled.Data["debt_repaid"])

	acct, err := f.e.MarginAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, acct.Debt.IsZero(), "debt left outstanding: %s", acct.Debt)
	v := f.e.Vault()
	assert.True(t, v.BadDebt.IsZero(), "bad debt %s", v.BadDebt)
	assert.True(t, v.InsuranceFund.Sub(insurance).GreaterThanOrEqual(d(2)))
	f.requireSolvent()
}

func TestFunding_TradeAccruesFirst(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 5000)
	f.advance(2 * time.Hour)

	f.openLong("alice", 1000, 10)
	require.Len(t, f.changes, 2)
	evs := f.changes[1].Events
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, model.EventFundingUpdated, evs[0].Type)
	assert.Equal(t, model.EventPositionOpened, evs[1].Type)
	assert.True(t, f.e.FundingState().LastFundingTime.Equal(f.now))
}

func TestNonTradeCallsKeepReserves(t *testing.T) {
	f := newFixture(t, deep())
	before := f.e.Market()

	f.deposit("alice", 5000)
	require.NoError(t, f.e.WithdrawCollateral(context.Background(), "alice", d(1000)))
	f.advance(time.Hour)
	_, err := f.e.UpdateFunding(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.e.Pause(context.Background()))
	require.NoError(t, f.e.Unpause(context.Background()))

	after := f.e.Market()
	assert.True(t, after.K.Equal(before.K))
	assert.True(t, after.BaseReserve.Equal(before.BaseReserve))
	assert.True(t, after.QuoteReserve.Equal(before.QuoteReserve))
}
