package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/oracle"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	now  time.Time
	feed *oracle.StaticFeed
	eng  *market.Engine
	k    *Keeper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{now: t0, feed: oracle.NewStaticFeed(d(50000), t0, time.Minute)}
	eng, err := market.New(market.Config{
		Symbol:       "BTC-USD-PERP",
		BaseReserve:  d(1_000_000),
		QuoteReserve: d(50_000_000_000),
		Params:       market.DefaultParams(),
		Funding:      funding.DefaultParams(),
	}, e.feed, market.WithClock(func() time.Time { return e.now }), market.WithLogger(quiet))
	require.NoError(t, err)
	e.eng = eng

	k, err := New(DefaultConfig(), []Market{eng}, quiet)
	require.NoError(t, err)
	e.k = k
	return e
}

func (e *env) advance(by time.Duration, price float64) {
	e.now = e.now.Add(by)
	e.feed.Set(d(price), e.now)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiquidationSchedule = "every now and then"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Account = ""
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestRunFunding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	n, err := e.k.RunFunding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "interval not elapsed")

	e.advance(time.Hour, 50000)
	n, err = e.k.RunFunding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, e.eng.Pause(ctx))
	e.advance(time.Hour, 50000)
	n, err = e.k.RunFunding(ctx)
	require.NoError(t, err, "paused markets are skipped")
	assert.Equal(t, 0, n)
}

func TestRunFunding_ReportsStaleOracle(t *testing.T) {
	e := newEnv(t)
	e.now = e.now.Add(time.Hour) // feed not republished

	_, err := e.k.RunFunding(context.Background())
	assert.ErrorIs(t, err, market.ErrStaleOracle)
}

func TestRunLiquidations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.eng.DepositCollateral(ctx, "alice", d(1000)))
	require.NoError(t, e.eng.DepositCollateral(ctx, "bob", d(5000)))
	_, err := e.eng.OpenPosition(ctx, market.OpenOrder{Account: "alice", Collateral: d(1000), IsLong: true, Leverage: d(10)})
	require.NoError(t, err)
	_, err = e.eng.OpenPosition(ctx, market.OpenOrder{Account: "bob", Collateral: d(1000), IsLong: true, Leverage: d(2)})
	require.NoError(t, err)

	done, err := e.k.RunLiquidations(ctx)
	require.NoError(t, err)
	assert.Empty(t, done, "everyone healthy at 50,000")

	e.advance(time.Second, 45000)
	done, err = e.k.RunLiquidations(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "alice", done[0].Account)
	assert.Equal(t, "keeper", done[0].Liquidator)

	reward, err := e.eng.MarginAccount(ctx, "keeper")
	require.NoError(t, err)
	assert.True(t, reward.Collateral.Equal(done[0].LiquidatorReward))

	_, err = e.eng.AccountPosition("bob")
	assert.NoError(t, err, "bob keeps his position")
}

func TestRunLiquidations_StaleOracleSkipsMarket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.eng.DepositCollateral(ctx, "alice", d(1000)))
	_, err := e.eng.OpenPosition(ctx, market.OpenOrder{Account: "alice", Collateral: d(1000), IsLong: true, Leverage: d(10)})
	require.NoError(t, err)

	e.now = e.now.Add(time.Hour)
	done, err := e.k.RunLiquidations(ctx)
	assert.NoError(t, err)
	assert.Empty(t, done)
}

func TestRunTask_TracksStatus(t *testing.T) {
	e := newEnv(t)
	for _, task := range e.k.Tasks() {
		assert.Equal(t, TaskStatusPending, task.Status)
	}

	task := e.k.tasks[TaskFunding]
	e.k.runTask(context.Background(), task, func(context.Context) error { return errors.New("boom") })
	assert.Equal(t, TaskStatusFailed, e.k.Tasks()[0].Status)
	assert.Equal(t, "boom", e.k.Tasks()[0].Error)

	e.k.runTask(context.Background(), task, func(context.Context) error { return nil })
	assert.Equal(t, TaskStatusCompleted, e.k.Tasks()[0].Status)
	assert.Empty(t, e.k.Tasks()[0].Error)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.k.Start()
	select {
	case <-e.k.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
