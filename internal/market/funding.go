package market

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// UpdateFunding advances the funding accumulator if an interval has
// elapsed. It is permissionless and returns false, leaving state
// untouched, while funding is settled.
func (e *Engine) UpdateFunding(ctx context.Context) (bool, error) {
	var changed bool
	err := e.execute(ctx, "update_funding", true, func(tx *txn) error {
		if err := tx.requireLive(); err != nil {
			return err
		}
		index, err := tx.indexPrice()
		if err != nil {
			return err
		}
		changed, err = tx.accrueFunding(index)
		return err
	})
	if err != nil {
		return false, err
	}
	if changed {
		f := e.FundingState()
		e.logger.Info("funding updated",
			"rate", f.Rate.String(),
			"premium", f.PremiumFraction.String(),
			"index", f.Index.String(),
		)
	}
	return changed, nil
}

// accrueFunding advances the global accumulator at the pre-trade mark.
func (tx *txn) accrueFunding(index decimal.Decimal) (bool, error) {
	mark, err := tx.markPrice()
	if err != nil {
		return false, err
	}
	next, changed, err := tx.e.fundingParams.Update(tx.funding, mark, index, tx.now)
	if err != nil || !changed {
		return false, err
	}
	tx.funding = next
	tx.emit(model.EventFundingUpdated, "", uuid.Nil, map[string]decimal.Decimal{
		"rate":        next.Rate,
		"premium":     next.PremiumFraction,
		"index":       next.Index,
		"cumulative":  next.Cumulative,
		"mark_price":  mark,
		"index_price": index,
	})
	return true, nil
}

// settleFunding charges or credits the funding p accrued since its last
// snapshot against p's margin account and the vault funding pool. Funding
// received repays account debt first. A shortfall becomes account debt and
// vault bad debt; it is returned so callers that must stay solvent can
// reject.
func (tx *txn) settleFunding(p model.Position) (model.Position, decimal.Decimal) {
	p, owed := position.SettleFunding(p, tx.funding, tx.now)
	if owed.IsZero() {
		return p, decimal.Zero
	}
	a := tx.accountOrNew(p.Account)
	a, shortfall, repaid := margin.Realize(a, owed.Neg())
	tx.putAccount(a)
	tx.vault.BadDebt = tx.vault.BadDebt.Add(shortfall)
	tx.repayDebt(repaid)
	tx.vault.FundingPool = tx.vault.FundingPool.Add(owed)
	tx.emit(model.EventFundingPaid, p.Account, p.ID, map[string]decimal.Decimal{
		"amount":      owed,
		"shortfall":   shortfall,
		"debt_repaid": repaid,
	})
	return p, shortfall
}
