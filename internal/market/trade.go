package market

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/vamm"
)

// OpenOrder opens exposure of Collateral * Leverage quote notional.
// MinPrice and MaxPrice bound the post-trade mark price; zero is
// unbounded.
type OpenOrder struct {
	Account    string
	Collateral decimal.Decimal
	IsLong     bool
	Leverage   decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
}

// AddOrder grows an active position in its own direction.
type AddOrder struct {
	Account    string
	PositionID uuid.UUID
	Collateral decimal.Decimal
	Leverage   decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
}

// CloseOrder closes Size base units of an active position.
type CloseOrder struct {
	Account    string
	PositionID uuid.UUID
	Size       decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
}

// OpenPosition opens a position and returns its id.
//
// An account holds at most one active position. An order in the direction
// of that position adds to it. An opposite order nets against it: a
// smaller order reduces the position, an equal one closes it, and a larger
// one closes it and opens the remainder in the new direction with the
// matching share of the collateral. The id returned is the position that
// holds the account's exposure afterwards.
func (e *Engine) OpenPosition(ctx context.Context, o OpenOrder) (uuid.UUID, error) {
	if err := validateSizing(o.Account, o.Collateral, o.Leverage); err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err := e.execute(ctx, "open_position", true, func(tx *txn) error {
		index, err := tx.livePrice()
		if err != nil {
			return err
		}
		if err := tx.checkLeverage(o.Leverage); err != nil {
			return err
		}
		if _, err := tx.accrueFunding(index); err != nil {
			return err
		}

		notional := o.Collateral.Mul(o.Leverage)
		size, err := tx.reserves().SizeForNotional(notional)
		if err != nil {
			return err
		}

		if existing, ok := tx.activeID(o.Account); ok {
			p, _ := tx.position(existing)
			if p.IsLong == o.IsLong {
				p, err = tx.increase(p, o.Collateral, notional, size)
				id = p.ID
			} else {
				id, err = tx.net(p, o, notional, size)
			}
		} else {
			id, err = tx.open(o.Account, o.IsLong, o.Collateral, notional, size)
		}
		if err != nil {
			return err
		}
		if err := tx.checkSlippage(o.MinPrice, o.MaxPrice); err != nil {
			return err
		}
		tx.refresh(o.Account, index)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	p, _ := e.Position(id)
	e.logger.Info("position opened",
		"account", o.Account,
		"position_id", id.String(),
		"is_long", o.IsLong,
		"size", p.Size.String(),
		"entry_price", p.EntryPrice.String(),
	)
	return id, nil
}

// AddToPosition grows an active position and returns its new absolute
// size.
func (e *Engine) AddToPosition(ctx context.Context, o AddOrder) (decimal.Decimal, error) {
	if err := validateSizing(o.Account, o.Collateral, o.Leverage); err != nil {
		return decimal.Zero, err
	}

	var newSize decimal.Decimal
	err := e.execute(ctx, "add_to_position", true, func(tx *txn) error {
		index, err := tx.livePrice()
		if err != nil {
			return err
		}
		p, err := tx.ownedActive(o.Account, o.PositionID)
		if err != nil {
			return err
		}
		if err := tx.checkLeverage(o.Leverage); err != nil {
			return err
		}
		if _, err := tx.accrueFunding(index); err != nil {
			return err
		}

		notional := o.Collateral.Mul(o.Leverage)
		size, err := tx.reserves().SizeForNotional(notional)
		if err != nil {
			return err
		}
		if p, err = tx.increase(p, o.Collateral, notional, size); err != nil {
			return err
		}
		if err := tx.checkSlippage(o.MinPrice, o.MaxPrice); err != nil {
			return err
		}
		newSize = position.AbsSize(p)
		tx.refresh(o.Account, index)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	e.logger.Info("position increased",
		"account", o.Account,
		"position_id", o.PositionID.String(),
		"size", newSize.String(),
	)
	return newSize, nil
}

// ClosePosition closes part or all of a position and returns the realized
// PnL net of the trading fee.
func (e *Engine) ClosePosition(ctx context.Context, o CloseOrder) (decimal.Decimal, error) {
	if o.Account == "" {
		return decimal.Zero, ErrInvalidAccount
	}
	if !o.Size.IsPositive() {
		return decimal.Zero, ErrInvalidCloseSize
	}

	var res reduction
	err := e.execute(ctx, "close_position", true, func(tx *txn) error {
		index, err := tx.livePrice()
		if err != nil {
			return err
		}
		p, err := tx.ownedActive(o.Account, o.PositionID)
		if err != nil {
			return err
		}
		if o.Size.GreaterThan(position.AbsSize(p)) {
			return ErrInvalidCloseSize
		}
		if _, err := tx.accrueFunding(index); err != nil {
			return err
		}
		if res, err = tx.reduce(p, o.Size, model.PositionClosed, true); err != nil {
			return err
		}
		if err := tx.checkSlippage(o.MinPrice, o.MaxPrice); err != nil {
			return err
		}
		tx.refresh(o.Account, index)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	net := res.PnL.Sub(res.Fee)
	e.logger.Info("position closed",
		"account", o.Account,
		"position_id", o.PositionID.String(),
		"size", o.Size.String(),
		"exit_price", res.ExitPrice.String(),
		"pnl", net.String(),
		"full", res.Closed,
	)
	return net, nil
}

func validateSizing(account string, collateral, leverage decimal.Decimal) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if err := margin.ValidateAmount(collateral); err != nil {
		return err
	}
	if !leverage.IsPositive() {
		return ErrInvalidLeverage
	}
	return nil
}

// livePrice rejects paused markets, then missing or stale index prices.
func (tx *txn) livePrice() (decimal.Decimal, error) {
	if err := tx.requireLive(); err != nil {
		return decimal.Zero, err
	}
	return tx.indexPrice()
}

func (tx *txn) checkLeverage(leverage decimal.Decimal) error {
	p := tx.market.Params
	if leverage.LessThan(p.MinLeverage) {
		return ErrInvalidLeverage
	}
	if leverage.GreaterThan(p.MaxLeverage) {
		return ErrExcessiveLeverage
	}
	return nil
}

func (tx *txn) checkSlippage(minPrice, maxPrice decimal.Decimal) error {
	mark, err := tx.markPrice()
	if err != nil {
		return err
	}
	return vamm.CheckSlippage(mark, minPrice, maxPrice)
}

func (tx *txn) checkLimits(positionNotional decimal.Decimal, isLong bool, addSize decimal.Decimal) error {
	l := limits.NewLimiter(tx.market.Params.MaxPositionNotional, tx.market.Params.MaxOpenInterest)
	return l.Check(positionNotional, tx.openInterest(isLong).Add(addSize))
}

// commitment checks the initial margin of a new fill: the reserve must fit
// in the committed collateral and the committed collateral must be free.
func (tx *txn) commitment(account string, collateral, notional decimal.Decimal) (model.MarginAccount, decimal.Decimal, error) {
	reserve := margin.Bp(notional, tx.market.Params.InitialMarginRatioBp)
	if reserve.GreaterThan(collateral) {
		return model.MarginAccount{}, decimal.Zero, ErrExcessiveLeverage
	}
	a := tx.accountOrNew(account)
	if a.Debt.IsPositive() || a.FreeCollateral().LessThan(collateral) {
		return model.MarginAccount{}, decimal.Zero, ErrInsufficientCollateral
	}
	return a, reserve, nil
}

// open creates a new position of size base units.
func (tx *txn) open(account string, isLong bool, collateral, notional, size decimal.Decimal) (uuid.UUID, error) {
	a, reserve, err := tx.commitment(account, collateral, notional)
	if err != nil {
		return uuid.Nil, err
	}
	next, fill, err := tx.reserves().Swap(size, isLong)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.checkLimits(fill.QuoteAmount, isLong, size); err != nil {
		return uuid.Nil, err
	}
	if a, err = margin.Reserve(a, reserve); err != nil {
		return uuid.Nil, err
	}

	p := position.Open(account, isLong, size, fill.QuoteAmount, collateral, reserve, tx.funding, tx.now)
	tx.setReserves(next)
	tx.putAccount(a)
	tx.putPosition(p)
	tx.setActive(account, p.ID)
	tx.addOpenInterest(isLong, size)
	tx.emit(model.EventPositionOpened, account, p.ID, map[string]decimal.Decimal{
		"size":            p.Size,
		"entry_price":     p.EntryPrice,
		"notional":        fill.QuoteAmount,
		"collateral":      collateral,
		"reserved_margin": reserve,
		"mark_price":      fill.NewMarkPrice,
	})
	return p.ID, nil
}

// increase adds size base units to p after settling its funding.
func (tx *txn) increase(p model.Position, collateral, notional, size decimal.Decimal) (model.Position, error) {
	p, shortfall := tx.settleFunding(p)
	if shortfall.IsPositive() {
		return p, ErrInsufficientCollateral
	}
	a, reserve, err := tx.commitment(p.Account, collateral, notional)
	if err != nil {
		return p, err
	}
	next, fill, err := tx.reserves().Swap(size, p.IsLong)
	if err != nil {
		return p, err
	}
	if err := tx.checkLimits(p.OpenNotional.Add(fill.QuoteAmount), p.IsLong, size); err != nil {
		return p, err
	}
	if p, err = position.Increase(p, size, fill.QuoteAmount, collateral, reserve, tx.now); err != nil {
		return p, err
	}
	if a, err = margin.Reserve(a, reserve); err != nil {
		return p, err
	}

	tx.setReserves(next)
	tx.putAccount(a)
	tx.putPosition(p)
	tx.addOpenInterest(p.IsLong, size)
	tx.emit(model.EventPositionIncreased, p.Account, p.ID, map[string]decimal.Decimal{
		"added_size":  size,
		"size":        p.Size,
		"entry_price": p.EntryPrice,
		"notional":    fill.QuoteAmount,
		"collateral":  collateral,
		"mark_price":  fill.NewMarkPrice,
	})
	return p, nil
}

// net applies an order opposite to the account's active position p.
func (tx *txn) net(p model.Position, o OpenOrder, notional, size decimal.Decimal) (uuid.UUID, error) {
	held := position.AbsSize(p)
	if size.LessThanOrEqual(held) {
		_, err := tx.reduce(p, size, model.PositionClosed, true)
		return p.ID, err
	}

	if _, err := tx.reduce(p, held, model.PositionClosed, true); err != nil {
		return uuid.Nil, err
	}
	remainder := size.Sub(held)
	share := remainder.Div(size)
	return tx.open(o.Account, o.IsLong, o.Collateral.Mul(share), notional.Mul(share), remainder)
}

// reduction is the settled outcome of closing part of a position.
type reduction struct {
	Position  model.Position
	Size      decimal.Decimal
	Quote     decimal.Decimal
	ExitPrice decimal.Decimal
	PnL       decimal.Decimal // price PnL before fees
	Fee       decimal.Decimal
	Shortfall decimal.Decimal
	Closed    bool
}

// reduce settles funding on p, swaps size base units out of it and
// settles the result against the margin account. A partial reduction must
// leave the account solvent. With chargeFee the trading fee is taken from
// the proceeds.
func (tx *txn) reduce(p model.Position, size decimal.Decimal, final model.PositionStatus, chargeFee bool) (reduction, error) {
	p, fundingShortfall := tx.settleFunding(p)

	next, fill, err := tx.reserves().Swap(size, !p.IsLong)
	if err != nil {
		return reduction{}, err
	}
	red, err := position.Reduce(p, size, fill.QuoteAmount, final, tx.now)
	if err != nil {
		return reduction{}, err
	}

	fee := decimal.Zero
	if chargeFee {
		fee = margin.Bp(fill.QuoteAmount, tx.market.Params.TradingFeeRateBp)
	}
	a := tx.accountOrNew(p.Account)
	a = margin.Release(a, red.ReleasedReserve)
	a, shortfall, repaid := margin.Realize(a, red.PnL.Sub(fee))

	if !red.Closed {
		if fundingShortfall.IsPositive() || shortfall.IsPositive() {
			return reduction{}, ErrInsufficientCollateral
		}
		if err := margin.CheckSolvent(a); err != nil {
			return reduction{}, err
		}
	}

	tx.setReserves(next)
	tx.putAccount(a)
	tx.putPosition(red.Position)
	if red.Closed {
		tx.clearActive(p.Account)
	}
	tx.addOpenInterest(p.IsLong, size.Neg())
	tx.vault.FeePool = tx.vault.FeePool.Add(fee)
	tx.vault.BadDebt = tx.vault.BadDebt.Add(shortfall)
	tx.repayDebt(repaid)

	if final != model.PositionLiquidated {
		tx.emit(model.EventPositionClosed, p.Account, p.ID, map[string]decimal.Decimal{
			"size":           size,
			"remaining_size": red.Position.Size,
			"exit_price":     fill.ExecPrice,
			"pnl":            red.PnL,
			"fee":            fee,
			"bad_debt":       shortfall,
			"mark_price":     fill.NewMarkPrice,
		})
	}
	if fee.IsPositive() {
		tx.emit(model.EventFeesCollected, p.Account, p.ID, map[string]decimal.Decimal{
			"trading_fee": fee,
		})
	}

	return reduction{
		Position:  red.Position,
		Size:      size,
		Quote:     fill.QuoteAmount,
		ExitPrice: fill.ExecPrice,
		PnL:       red.PnL,
		Fee:       fee,
		Shortfall: shortfall,
		Closed:    red.Closed,
	}, nil
}
