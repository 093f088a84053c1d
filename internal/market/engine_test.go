package market

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

const symbol = "BTC-USD-PERP"

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixture is an engine on a controllable clock and oracle that records
// every commit it publishes.
type fixture struct {
	t       *testing.T
	e       *Engine
	feed    *oracle.StaticFeed
	now     time.Time
	index   decimal.Decimal
	changes []model.Changes
}

// pool is a pair of virtual reserves for a test market.
type pool struct {
	base, quote decimal.Decimal
}

// deep is a pool priced at 50,000 where a 10,000 notional trade moves the
// mark by a fraction of a cent.
func deep() pool {
	return pool{base: d(1_000_000), quote: d(50_000_000_000)}
}

// shallow is a pool priced at 50,000 that a 1,000,000 notional trade
// moves by about 4%.
func shallow() pool {
	return pool{base: d(1_000), quote: d(50_000_000)}
}

func newFixture(t *testing.T, p pool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{t: t, now: t0, index: d(50000)}
	f.feed = oracle.NewStaticFeed(f.index, t0, time.Minute)

	cfg := Config{
		Symbol:       symbol,
		BaseReserve:  p.base,
		QuoteReserve: p.quote,
		Params:       DefaultParams(),
		Funding:      funding.DefaultParams(),
	}
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithListeners(ListenerFunc(func(_ context.Context, c model.Changes) {
			f.changes = append(f.changes, c)
		})),
	}, opts...)

	e, err := New(cfg, f.feed, opts...)
	require.NoError(t, err)
	f.e = e
	return f
}

// advance moves the clock and republishes the index so it stays fresh.
func (f *fixture) advance(by time.Duration) {
	f.now = f.now.Add(by)
	f.feed.Set(f.index, f.now)
}

func (f *fixture) setIndex(price float64) {
	f.index = d(price)
	f.feed.Set(f.index, f.now)
}

func (f *fixture) deposit(account string, amount float64) {
	f.t.Helper()
	require.NoError(f.t, f.e.DepositCollateral(context.Background(), account, d(amount)))
}

func (f *fixture) openLong(account string, collateral, leverage float64) model.Position {
	f.t.Helper()
	return f.openOrder(OpenOrder{Account: account, Collateral: d(collateral), IsLong: true, Leverage: d(leverage)})
}

func (f *fixture) openShort(account string, collateral, leverage float64) model.Position {
	f.t.Helper()
	return f.openOrder(OpenOrder{Account: account, Collateral: d(collateral), IsLong: false, Leverage: d(leverage)})
}

func (f *fixture) openOrder(o OpenOrder) model.Position {
	f.t.Helper()
	id, err := f.e.OpenPosition(context.Background(), o)
	require.NoError(f.t, err)
	p, err := f.e.Position(id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) events() []model.Event {
	var out []model.Event
	for _, c := range f.changes {
		out = append(out, c.Events...)
	}
	return out
}

func (f *fixture) requireSolvent() {
	f.t.Helper()
	for _, a := range f.e.Accounts() {
		require.Truef(f.t, a.Collateral.GreaterThanOrEqual(a.ReservedMargin),
			"account %s: collateral %s below reserved %s", a.Account, a.Collateral, a.ReservedMargin)
		require.Falsef(f.t, a.Collateral.IsNegative(), "account %s: negative collateral", a.Account)
	}
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t, deep())

	m := f.e.Market()
	assert.Equal(t, symbol, m.Symbol)
	assert.True(t, m.K.Equal(d(5e16)))
	assert.False(t, m.Paused)

	mark, err := f.e.MarkPrice()
	require.NoError(t, err)
	assert.True(t, mark.Equal(d(50000)))

	fs := f.e.FundingState()
	assert.True(t, fs.LastFundingTime.Equal(t0))
	assert.True(t, fs.Index.IsZero())
}

func TestNew_InvalidConfig(t *testing.T) {
	feed := oracle.NewStaticFeed(d(1), t0, time.Minute)
	p := deep()
	valid := Config{Symbol: symbol, BaseReserve: p.base, QuoteReserve: p.quote, Params: DefaultParams(), Funding: funding.DefaultParams()}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad symbol", func(c *Config) { c.Symbol = "BTCUSD" }},
		{"zero base", func(c *Config) { c.BaseReserve = decimal.Zero }},
		{"negative quote", func(c *Config) { c.QuoteReserve = d(-1) }},
		{"bad funding", func(c *Config) { c.Funding.Interval = 0 }},
		{"bad params", func(c *Config) { c.Params.MaxLeverage = d(500) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg, feed)
			require.Error(t, err)
			assert.Equal(t, KindValidation, Classify(err))
		})
	}

	_, err := New(valid, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RestoresState(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 5000)
	f.openLong("alice", 1000, 10)
	snap := f.e.Snapshot()

	restored, err := New(Config{
		Symbol:  symbol,
		Params:  DefaultParams(),
		Funding: funding.DefaultParams(),
	}, f.feed, WithState(snap), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	assert.Equal(t, snap, restored.Snapshot())

	p, err := restored.AccountPosition("alice")
	require.NoError(t, err)
	assert.True(t, p.IsActive)
}

func TestNew_RestoreRejectsOtherMarket(t *testing.T) {
	f := newFixture(t, deep())
	snap := f.e.Snapshot()
	snap.Market.Symbol = "ETH-USD-PERP"

	_, err := New(Config{Symbol: symbol, Params: DefaultParams(), Funding: funding.DefaultParams()}, f.feed, WithState(snap))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestListeners_SeeCommitsInOrder(t *testing.T) {
	f := newFixture(t, deep())
	f.deposit("alice", 5000)
	p := f.openLong("alice", 1000, 10)
	_, err := f.e.ClosePosition(context.Background(), CloseOrder{Account: "alice", PositionID: p.ID, Size: d(0.1)})
	require.NoError(t, err)

	require.Len(t, f.changes, 3)
	var last int64
	for _, ev := range f.events() {
		assert.Greater(t, ev.Seq, last)
		assert.Equal(t, symbol, ev.Market)
		last = ev.Seq
	}
	assert.Equal(t, last, f.e.Snapshot().EventSeq)

	opened := f.changes[1]
	require.Len(t, opened.Positions, 1)
	assert.Equal(t, p.ID, opened.Positions[0].ID)
	assert.Equal(t, model.EventPositionOpened, opened.Events[0].Type)
}

func TestRejectedCallsPublishNothing(t *testing.T) {
	f := newFixture(t, deep())
	_, err := f.e.OpenPosition(context.Background(), OpenOrder{Account: "alice", Collateral: d(1000), IsLong: true, Leverage: d(10)})
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	assert.Empty(t, f.changes)
}

func TestConcurrentDeposits(t *testing.T) {
	f := newFixture(t, deep())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.e.DepositCollateral(context.Background(), "alice", d(1))
		}()
	}
	wg.Wait()

	a, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, a.Collateral.Equal(d(50)), "got %s", a.Collateral)
	assert.Len(t, f.changes, 50)
}

func TestListeners_ReadDuringConcurrentCommits(t *testing.T) {
	var eng *Engine
	var reads int
	reader := ListenerFunc(func(ctx context.Context, c model.Changes) {
		time.Sleep(time.Millisecond)
		if _, err := eng.MarkPrice(); err == nil {
			reads++
		}
		if _, err := eng.MarginAccount(ctx, "alice"); err == nil {
			reads++
		}
	})
	f := newFixture(t, deep(), WithListeners(reader))
	eng = f.e

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					_ = f.e.DepositCollateral(context.Background(), "alice", d(1))
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent commits with a reading listener did not finish")
	}

	a, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, a.Collateral.Equal(d(400)), "got %s", a.Collateral)
	assert.Len(t, f.changes, 400)
	assert.Equal(t, 800, reads)
}

func TestListeners_MutatingCallRejected(t *testing.T) {
	var eng *Engine
	var errs []error
	writer := ListenerFunc(func(ctx context.Context, c model.Changes) {
		errs = append(errs, eng.DepositCollateral(ctx, "bob", d(1)))
	})
	f := newFixture(t, deep(), WithListeners(writer))
	eng = f.e

	f.deposit("alice", 100)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReentrantCall)
	assert.Equal(t, KindMarketState, Classify(errs[0]))
	_, err := f.e.MarginAccount(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Len(t, f.changes, 1)
}

func TestExecute_PanicReleasesLocks(t *testing.T) {
	f := newFixture(t, deep())

	assert.Panics(t, func() {
		_ = f.e.execute(context.Background(), "boom", false, func(tx *txn) error {
			panic("boom")
		})
	})

	f.deposit("alice", 10)
	a, err := f.e.MarginAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, a.Collateral.Equal(d(10)))
}
