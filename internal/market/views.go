package market

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Read-only views. None of them mutate state or notify listeners.

// pool must be called with e.mu held.
func (e *Engine) pool() vamm.Reserves {
	return vamm.Reserves{Base: e.market.BaseReserve, Quote: e.market.QuoteReserve, K: e.market.K}
}

// Market returns the market record.
func (e *Engine) Market() model.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market
}

// Vault returns the market-level sinks.
func (e *Engine) Vault() model.Vault {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault
}

// Paused reports whether the market is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market.Paused
}

// MarkPrice returns quote / base.
func (e *Engine) MarkPrice() (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool().MarkPrice()
}

// IndexPrice samples the oracle.
func (e *Engine) IndexPrice(ctx context.Context) (oracle.Reading, error) {
	return e.sample(ctx, e.clock())
}

// FundingRate returns the current signed hourly funding rate.
func (e *Engine) FundingRate() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funding.Rate
}

// FundingInterval is the minimum time between funding updates.
func (e *Engine) FundingInterval() time.Duration { return e.fundingParams.Interval }

// FundingState returns the funding accumulator.
func (e *Engine) FundingState() model.FundingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funding
}

// PriceImpact returns the relative mark change a trade of size base
// units would cause.
func (e *Engine) PriceImpact(size decimal.Decimal, isLong bool) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool().PriceImpact(size, isLong)
}

// Position returns a position by id, active or not.
func (e *Engine) Position(id uuid.UUID) (model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return model.Position{}, ErrPositionNotFound
	}
	return p, nil
}

// AccountPosition returns the active position of account.
func (e *Engine) AccountPosition(account string) (model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[account]
	if !ok {
		return model.Position{}, ErrNoActivePosition
	}
	return e.positions[id], nil
}

// UserPositions returns every position account ever held, oldest first.
func (e *Engine) UserPositions(account string) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Position
	for _, p := range e.positions {
		if p.Account == account {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

// UnrealizedPnL returns size * (mark - entry) - fundingOwed for a
// position.
func (e *Engine) UnrealizedPnL(id uuid.UUID) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return decimal.Zero, ErrPositionNotFound
	}
	mark, err := e.pool().MarkPrice()
	if err != nil {
		return decimal.Zero, err
	}
	return position.UnrealizedPnL(p, mark, e.funding), nil
}

// AccountUnrealizedPnL values account's active position at the index
// price, the price margin health is judged at.
func (e *Engine) AccountUnrealizedPnL(ctx context.Context, account string) (decimal.Decimal, error) {
	reading, err := e.sample(ctx, e.clock())
	if err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[account]
	if !ok {
		return decimal.Zero, nil
	}
	return position.UnrealizedPnL(e.positions[id], reading.Price, e.funding), nil
}

// UserSummary aggregates account's exposure. TotalPnL is realized PnL of
// every position plus the unrealized PnL of the active one at the mark.
func (e *Engine) UserSummary(account string) (model.UserSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mark, err := e.pool().MarkPrice()
	if err != nil {
		return model.UserSummary{}, err
	}
	s := model.UserSummary{
		Account:        account,
		TotalLongSize:  decimal.Zero,
		TotalShortSize: decimal.Zero,
		TotalPnL:       decimal.Zero,
	}
	for _, p := range e.positions {
		if p.Account != account {
			continue
		}
		s.TotalPnL = s.TotalPnL.Add(p.RealizedPnL)
		if !p.IsActive {
			continue
		}
		s.ActiveCount++
		if p.IsLong {
			s.TotalLongSize = s.TotalLongSize.Add(p.Size.Abs())
		} else {
			s.TotalShortSize = s.TotalShortSize.Add(p.Size.Abs())
		}
		s.TotalPnL = s.TotalPnL.Add(position.UnrealizedPnL(p, mark, e.funding))
	}
	return s, nil
}

// MarginAccount returns account with its unrealized PnL valued live at
// the index price, or at the mark when the oracle is unavailable.
func (e *Engine) MarginAccount(ctx context.Context, account string) (model.MarginAccount, error) {
	now := e.clock()
	reading, oracleErr := e.sample(ctx, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[account]
	if !ok {
		return model.MarginAccount{}, ErrAccountNotFound
	}
	tx := e.begin(now, reading, oracleErr)
	a.UnrealizedPnL = decimal.Zero
	if id, ok := e.active[account]; ok {
		a.UnrealizedPnL = position.UnrealizedPnL(e.positions[id], tx.valuationPrice(), e.funding)
	}
	return a, nil
}

// Accounts returns every margin account sorted by name.
func (e *Engine) Accounts() []model.MarginAccount {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.MarginAccount, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// ActivePositions returns every active position, oldest first.
func (e *Engine) ActivePositions() []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Position, 0, len(e.active))
	for _, id := range e.active {
		out = append(out, e.positions[id])
	}
	sortPositions(out)
	return out
}

// Snapshot returns the complete state of the market.
func (e *Engine) Snapshot() model.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := model.State{
		Market:    e.market,
		Funding:   e.funding,
		Vault:     e.vault,
		Accounts:  make([]model.MarginAccount, 0, len(e.accounts)),
		Positions: make([]model.Position, 0, len(e.positions)),
		EventSeq:  e.eventSeq,
	}
	for _, a := range e.accounts {
		s.Accounts = append(s.Accounts, a)
	}
	for _, p := range e.positions {
		s.Positions = append(s.Positions, p)
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].Account < s.Accounts[j].Account })
	sortPositions(s.Positions)
	return s
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}
