// Package market orchestrates one perpetual market: it composes the vAMM
// pricing curve, the funding accumulator, the position ledger and the
// margin vault behind a single serialized engine.
//
// Every mutating call follows the same pipeline: funding settlement, price
// impact, position mutation, margin and fee settlement. Each step is
// validated before the next runs and the whole call is staged in a
// transaction that is committed only on success, so a rejected call leaves
// the market, funding, vault, accounts and positions unchanged.
//
// The oracle is sampled and the clock read before the state lock is taken.
// Commit listeners run after the state lock is released, one commit at a
// time and in commit order. A listener may read from the engine; a
// mutating call made with the listener's context fails with
// ErrReentrantCall.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Listener receives the effects of every committed call.
type Listener interface {
	OnCommit(ctx context.Context, c model.Changes)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, c model.Changes)

func (f ListenerFunc) OnCommit(ctx context.Context, c model.Changes) { f(ctx, c) }

// Config describes a market at deployment.
type Config struct {
	Symbol       string
	BaseReserve  decimal.Decimal
	QuoteReserve decimal.Decimal
	Params       model.MarketParams
	Funding      funding.Params
}

// Engine is a single-writer perpetual market.
type Engine struct {
	mu        sync.Mutex
	publishMu sync.Mutex

	symbol    string
	market    model.Market
	funding   model.FundingState
	vault     model.Vault
	accounts  map[string]model.MarginAccount
	positions map[uuid.UUID]model.Position
	active    map[string]uuid.UUID // account -> its active position
	eventSeq  int64

	fundingParams funding.Params
	feed          oracle.Feed
	clock         func() time.Time
	logger        *slog.Logger
	listeners     []Listener
	restore       *model.State
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithListeners registers commit listeners, called in order.
func WithListeners(ls ...Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, ls...) }
}

// WithState restores a previously persisted market instead of deploying
// a fresh one from the config reserves.
func WithState(s model.State) Option {
	return func(e *Engine) { e.restore = &s }
}

// New deploys a market, or restores one when WithState is given.
func New(cfg Config, feed oracle.Feed, opts ...Option) (*Engine, error) {
	if _, err := contract.ParseSymbol(cfg.Symbol); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: oracle feed is required", ErrInvalidConfig)
	}
	if err := ValidateParams(cfg.Params); err != nil {
		return nil, err
	}
	if err := cfg.Funding.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e := &Engine{
		symbol:        cfg.Symbol,
		accounts:      make(map[string]model.MarginAccount),
		positions:     make(map[uuid.UUID]model.Position),
		active:        make(map[string]uuid.UUID),
		fundingParams: cfg.Funding,
		feed:          feed,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("market", cfg.Symbol)

	if e.restore != nil {
		if err := e.load(*e.restore); err != nil {
			return nil, err
		}
		e.restore = nil
		return e, nil
	}

	reserves, err := vamm.NewReserves(cfg.BaseReserve, cfg.QuoteReserve)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	now := e.clock()
	e.market = model.Market{
		Symbol:            cfg.Symbol,
		BaseReserve:       reserves.Base,
		QuoteReserve:      reserves.Quote,
		K:                 reserves.K,
		Params:            cfg.Params,
		OpenInterestLong:  decimal.Zero,
		OpenInterestShort: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.funding = funding.NewState(now)
	e.vault = model.Vault{
		InsuranceFund: decimal.Zero,
		FeePool:       decimal.Zero,
		FundingPool:   decimal.Zero,
		BadDebt:       decimal.Zero,
	}
	return e, nil
}

func (e *Engine) load(s model.State) error {
	if s.Market.Symbol != e.symbol {
		return fmt.Errorf("%w: state is for %q", ErrInvalidConfig, s.Market.Symbol)
	}
	if _, err := vamm.NewReserves(s.Market.BaseReserve, s.Market.QuoteReserve); err != nil {
		return fmt.Errorf("%w: restored reserves: %w", ErrInvalidConfig, err)
	}
	if err := ValidateParams(s.Market.Params); err != nil {
		return err
	}
	e.market = s.Market
	e.funding = s.Funding
	e.vault = s.Vault
	e.eventSeq = s.EventSeq
	for _, a := range s.Accounts {
		e.accounts[a.Account] = a
	}
	for _, p := range s.Positions {
		e.positions[p.ID] = p
		if p.IsActive {
			e.active[p.Account] = p.ID
		}
	}
	return nil
}

// Symbol returns the market symbol.
func (e *Engine) Symbol() string { return e.symbol }

// sample reads the oracle outside the state lock. The error is kept and
// surfaced by the transaction only if the call actually needs a price.
func (e *Engine) sample(ctx context.Context, now time.Time) (oracle.Reading, error) {
	r, err := oracle.Read(ctx, e.feed, now)
	if err != nil {
		return oracle.Reading{}, fmt.Errorf("%w: %w", ErrStaleOracle, err)
	}
	return r, nil
}

// execute runs fn as one transaction. With priced set the oracle is
// sampled first.
//
// Lock order is publishMu then mu. The state lock is released before the
// listeners run so they can read the engine; publishMu keeps commits and
// their delivery in one order. A mutating call made from inside a
// listener with the listener's context is rejected with ErrReentrantCall.
func (e *Engine) execute(ctx context.Context, op string, priced bool, fn func(tx *txn) error) error {
	if owner, _ := ctx.Value(listenerKey{}).(*Engine); owner == e {
		return ErrReentrantCall
	}
	now := e.clock()
	var reading oracle.Reading
	var oracleErr error
	if priced {
		reading, oracleErr = e.sample(ctx, now)
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	changes, err := e.apply(now, reading, oracleErr, fn)
	if err != nil {
		e.logger.Debug("call rejected", "op", op, "kind", Classify(err).String(), "error", err)
		return err
	}
	if changes == nil {
		return nil
	}
	lctx := context.WithValue(ctx, listenerKey{}, e)
	for _, l := range e.listeners {
		l.OnCommit(lctx, *changes)
	}
	return nil
}

// listenerKey marks a context handed to commit listeners.
type listenerKey struct{}

// apply stages fn under the state lock and commits it on success. It
// returns nil changes when fn left the state untouched.
func (e *Engine) apply(now time.Time, reading oracle.Reading, oracleErr error, fn func(tx *txn) error) (*model.Changes, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.begin(now, reading, oracleErr)
	if err := fn(tx); err != nil {
		return nil, err
	}
	if !tx.dirty {
		return nil, nil
	}
	changes := tx.commit()
	return &changes, nil
}
