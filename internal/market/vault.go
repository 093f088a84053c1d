package market

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// Liquidation is the outcome of a successful Liquidate.
type Liquidation struct {
	PositionID       uuid.UUID       `json:"position_id"`
	Account          string          `json:"account"`
	Liquidator       string          `json:"liquidator"`
	Size             decimal.Decimal `json:"size"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	PnL              decimal.Decimal `json:"pnl"`
	Fee              decimal.Decimal `json:"fee"`
	LiquidatorReward decimal.Decimal `json:"liquidator_reward"`
	InsuranceFee     decimal.Decimal `json:"insurance_fee"`
	BadDebt          decimal.Decimal `json:"bad_debt"`
}

// DepositCollateral credits amount to account, repaying its debt first.
// Repaid debt flows into the insurance fund and reduces the vault's bad
// debt.
func (e *Engine) DepositCollateral(ctx context.Context, account string, amount decimal.Decimal) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if err := margin.ValidateAmount(amount); err != nil {
		return err
	}

	err := e.execute(ctx, "deposit", true, func(tx *txn) error {
		if err := tx.requireLive(); err != nil {
			return err
		}
		repaid, err := tx.credit(account, amount)
		if err != nil {
			return err
		}
		tx.emit(model.EventCollateralDeposit, account, uuid.Nil, map[string]decimal.Decimal{
			"amount":      amount,
			"debt_repaid": repaid,
		})
		tx.refresh(account, tx.valuationPrice())
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("collateral deposited", "account", account, "amount", amount.String())
	return nil
}

// WithdrawCollateral debits amount from account. The account must carry
// no debt and keep its reserved margin covered.
func (e *Engine) WithdrawCollateral(ctx context.Context, account string, amount decimal.Decimal) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if err := margin.ValidateAmount(amount); err != nil {
		return err
	}

	err := e.execute(ctx, "withdraw", true, func(tx *txn) error {
		if err := tx.requireLive(); err != nil {
			return err
		}
		a, ok := tx.account(account)
		if !ok {
			return ErrAccountNotFound
		}
		a, err := margin.Withdraw(a, amount)
		if err != nil {
			return err
		}
		tx.putAccount(a)
		tx.emit(model.EventCollateralWithdraw, account, uuid.Nil, map[string]decimal.Decimal{
			"amount": amount,
		})
		tx.refresh(account, tx.valuationPrice())
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("collateral withdrawn", "account", account, "amount", amount.String())
	return nil
}

// CanLiquidate reports whether account is below the market's maintenance
// margin at the current index price.
func (e *Engine) CanLiquidate(ctx context.Context, account string) (bool, error) {
	return e.canLiquidate(ctx, account, -1)
}

// CanLiquidateAt evaluates the liquidation predicate at ratioBp.
func (e *Engine) CanLiquidateAt(ctx context.Context, account string, ratioBp int64) (bool, error) {
	if ratioBp < 0 || ratioBp > model.BpScale {
		return false, ErrInvalidParams
	}
	return e.canLiquidate(ctx, account, ratioBp)
}

func (e *Engine) canLiquidate(ctx context.Context, account string, ratioBp int64) (bool, error) {
	reading, err := e.sample(ctx, e.clock())
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[account]; !ok {
		return false, ErrAccountNotFound
	}
	tx := e.begin(e.clock(), reading, nil)
	if ratioBp < 0 {
		ratioBp = tx.market.Params.MaintenanceMarginRatioBp
	}
	return tx.liquidatable(account, reading.Price, ratioBp), nil
}

// Liquidate force-closes an unhealthy account's position at the mark
// price, ignoring slippage bounds. The liquidation fee is taken from the
// remaining collateral and split between the liquidator and the insurance
// fund. Anyone but the account itself may liquidate.
func (e *Engine) Liquidate(ctx context.Context, liquidator, account string, positionID uuid.UUID) (Liquidation, error) {
	if liquidator == "" || account == "" {
		return Liquidation{}, ErrInvalidAccount
	}
	if liquidator == account {
		return Liquidation{}, ErrSelfLiquidation
	}

	var out Liquidation
	err := e.execute(ctx, "liquidate", true, func(tx *txn) error {
		index, err := tx.livePrice()
		if err != nil {
			return err
		}
		p, err := tx.ownedActive(account, positionID)
		if err != nil {
			return err
		}
		if _, err := tx.accrueFunding(index); err != nil {
			return err
		}
		if !tx.liquidatable(account, index, tx.market.Params.MaintenanceMarginRatioBp) {
			return ErrNotLiquidatable
		}

		res, err := tx.reduce(p, position.AbsSize(p), model.PositionLiquidated, false)
		if err != nil {
			return err
		}

		a := tx.accountOrNew(account)
		a, fee := margin.Charge(a, margin.Bp(res.Quote, tx.market.Params.LiquidationFeeRateBp))
		tx.putAccount(a)
		reward, insurance := margin.Split(fee, tx.market.Params.LiquidatorShareBp)
		if reward.IsPositive() {
			if _, err := tx.credit(liquidator, reward); err != nil {
				return err
			}
		}
		tx.vault.InsuranceFund = tx.vault.InsuranceFund.Add(insurance)

		tx.emit(model.EventPositionLiquidated, account, p.ID, map[string]decimal.Decimal{
			"size":              res.Size,
			"exit_price":        res.ExitPrice,
			"pnl":               res.PnL,
			"liquidation_fee":   fee,
			"liquidator_reward": reward,
			"insurance_fee":     insurance,
			"bad_debt":          res.Shortfall,
		})
		if fee.IsPositive() {
			tx.emit(model.EventFeesCollected, liquidator, p.ID, map[string]decimal.Decimal{
				"liquidation_fee":   fee,
				"liquidator_reward": reward,
				"insurance_fee":     insurance,
			})
		}
		tx.refresh(account, index)
		tx.refresh(liquidator, index)

		out = Liquidation{
			PositionID:       p.ID,
			Account:          account,
			Liquidator:       liquidator,
			Size:             res.Size,
			ExitPrice:        res.ExitPrice,
			PnL:              res.PnL,
			Fee:              fee,
			LiquidatorReward: reward,
			InsuranceFee:     insurance,
			BadDebt:          res.Shortfall,
		}
		return nil
	})
	if err != nil {
		return Liquidation{}, err
	}

	e.logger.Info("position liquidated",
		"account", account,
		"liquidator", liquidator,
		"position_id", positionID.String(),
		"size", out.Size.String(),
		"fee", out.Fee.String(),
		"bad_debt", out.BadDebt.String(),
	)
	return out, nil
}

// credit deposits amount into account, repaying debt into the insurance
// fund first.
func (tx *txn) credit(account string, amount decimal.Decimal) (decimal.Decimal, error) {
	a, repaid, err := margin.Deposit(tx.accountOrNew(account), amount)
	if err != nil {
		return decimal.Zero, err
	}
	tx.putAccount(a)
	tx.repayDebt(repaid)
	return repaid, nil
}

// repayDebt moves repaid debt into the insurance fund.
func (tx *txn) repayDebt(repaid decimal.Decimal) {
	if repaid.IsPositive() {
		tx.vault.InsuranceFund = tx.vault.InsuranceFund.Add(repaid)
		tx.vault.BadDebt = decimal.Max(decimal.Zero, tx.vault.BadDebt.Sub(repaid))
	}
}

// valuationPrice is the index price when available, else the mark.
func (tx *txn) valuationPrice() decimal.Decimal {
	if tx.oracleErr == nil && tx.reading.Price.IsPositive() {
		return tx.reading.Price
	}
	mark, err := tx.markPrice()
	if err != nil {
		return decimal.Zero
	}
	return mark
}

// liquidatable evaluates the maintenance predicate for account at price.
func (tx *txn) liquidatable(account string, price decimal.Decimal, ratioBp int64) bool {
	a, ok := tx.account(account)
	if !ok {
		return false
	}
	id, ok := tx.activeID(account)
	if !ok {
		return false
	}
	p, ok := tx.position(id)
	if !ok {
		return false
	}
	upnl := position.UnrealizedPnL(p, price, tx.funding)
	return margin.CanLiquidate(a.Collateral, upnl, position.Notional(p, price), ratioBp)
}
