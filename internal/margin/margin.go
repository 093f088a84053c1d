// Package margin implements the collateral side of the vault: deposits,
// withdrawals, reservation of initial margin, PnL realization with a debt
// floor, and the maintenance-margin liquidation predicate.
//
// Functions operate on model.MarginAccount values and return the updated
// copy; nothing here holds state.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for a non-positive amount.
	ErrInvalidAmount = errors.New("margin: amount must be positive")

	// ErrAmountOverflow is returned for amounts above MaxAmount.
	ErrAmountOverflow = errors.New("margin: amount exceeds the supported range")

	// ErrInsufficientCollateral is returned when free collateral cannot
	// cover a reservation or a loss.
	ErrInsufficientCollateral = errors.New("margin: insufficient collateral")

	// ErrInsufficientFreeCollateral is returned when a withdrawal would
	// leave collateral below the reserved margin or the account has debt.
	ErrInsufficientFreeCollateral = errors.New("margin: insufficient free collateral")
)

// MaxAmount bounds any single deposit or withdrawal.
var MaxAmount = decimal.New(1, 30)

var bpScale = decimal.NewFromInt(model.BpScale)

// Bp returns amount * bp / 10000.
func Bp(amount decimal.Decimal, bp int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bp)).Div(bpScale)
}

// NewAccount returns an empty account.
func NewAccount(account string) model.MarginAccount {
	return model.MarginAccount{
		Account:        account,
		Collateral:     decimal.Zero,
		ReservedMargin: decimal.Zero,
		UnrealizedPnL:  decimal.Zero,
		Debt:           decimal.Zero,
	}
}

// ValidateAmount checks that amount is positive and within MaxAmount.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(MaxAmount) {
		return ErrAmountOverflow
	}
	return nil
}

// Deposit credits amount, repaying outstanding debt first. It returns the
// updated account and the part of amount that went to debt.
func Deposit(a model.MarginAccount, amount decimal.Decimal) (model.MarginAccount, decimal.Decimal, error) {
	if err := ValidateAmount(amount); err != nil {
		return a, decimal.Zero, err
	}
	repaid := decimal.Min(a.Debt, amount)
	a.Debt = a.Debt.Sub(repaid)
	a.Collateral = a.Collateral.Add(amount.Sub(repaid))
	return a, repaid, nil
}

// Withdraw debits amount if the account has no debt and keeps collateral
// at or above the reserved margin.
func Withdraw(a model.MarginAccount, amount decimal.Decimal) (model.MarginAccount, error) {
	if err := ValidateAmount(amount); err != nil {
		return a, err
	}
	if a.Debt.IsPositive() {
		return a, ErrInsufficientFreeCollateral
	}
	if a.Collateral.Sub(amount).LessThan(a.ReservedMargin) {
		return a, ErrInsufficientFreeCollateral
	}
	a.Collateral = a.Collateral.Sub(amount)
	return a, nil
}

// Reserve locks amount of free collateral.
func Reserve(a model.MarginAccount, amount decimal.Decimal) (model.MarginAccount, error) {
	if amount.IsNegative() {
		return a, ErrInvalidAmount
	}
	if a.FreeCollateral().LessThan(amount) || a.Debt.IsPositive() {
		return a, ErrInsufficientCollateral
	}
	a.ReservedMargin = a.ReservedMargin.Add(amount)
	return a, nil
}

// Release unlocks up to amount of reserved margin.
func Release(a model.MarginAccount, amount decimal.Decimal) model.MarginAccount {
	a.ReservedMargin = a.ReservedMargin.Sub(decimal.Min(amount, a.ReservedMargin))
	return a
}

// Realize moves delta into collateral. A gain repays debt before it
// reaches collateral, as a deposit does, and the repaid part is returned.
// A loss larger than the collateral floors it at zero; the uncovered part
// is added to debt and returned as the shortfall.
func Realize(a model.MarginAccount, delta decimal.Decimal) (model.MarginAccount, decimal.Decimal, decimal.Decimal) {
	if delta.IsPositive() {
		repaid := decimal.Min(a.Debt, delta)
		a.Debt = a.Debt.Sub(repaid)
		a.Collateral = a.Collateral.Add(delta.Sub(repaid))
		return a, decimal.Zero, repaid
	}
	next := a.Collateral.Add(delta)
	if next.IsNegative() {
		shortfall := next.Neg()
		a.Collateral = decimal.Zero
		a.Debt = a.Debt.Add(shortfall)
		return a, shortfall, decimal.Zero
	}
	a.Collateral = next
	return a, decimal.Zero, decimal.Zero
}

// Charge deducts up to amount from collateral and returns what was
// actually taken. It never creates debt.
func Charge(a model.MarginAccount, amount decimal.Decimal) (model.MarginAccount, decimal.Decimal) {
	taken := decimal.Min(amount, a.Collateral)
	if taken.IsNegative() {
		taken = decimal.Zero
	}
	a.Collateral = a.Collateral.Sub(taken)
	return a, taken
}

// CheckSolvent enforces collateral >= reserved margin.
func CheckSolvent(a model.MarginAccount) error {
	if a.Collateral.LessThan(a.ReservedMargin) {
		return ErrInsufficientCollateral
	}
	return nil
}

// Equity returns collateral + unrealized PnL.
func Equity(collateral, unrealizedPnL decimal.Decimal) decimal.Decimal {
	return collateral.Add(unrealizedPnL)
}

// RatioBp returns equity / notional in basis points.
func RatioBp(equity, notional decimal.Decimal) (decimal.Decimal, bool) {
	if !notional.IsPositive() {
		return decimal.Zero, false
	}
	return equity.Mul(bpScale).Div(notional), true
}

// CanLiquidate reports whether (collateral + unrealizedPnL) / notional is
// below ratioBp. An account without exposure is never liquidatable.
func CanLiquidate(collateral, unrealizedPnL, notional decimal.Decimal, ratioBp int64) bool {
	if !notional.IsPositive() {
		return false
	}
	equity := Equity(collateral, unrealizedPnL)
	return equity.Mul(bpScale).LessThan(notional.Mul(decimal.NewFromInt(ratioBp)))
}

// Split divides amount into the share taken at bp and the remainder.
func Split(amount decimal.Decimal, bp int64) (share, rest decimal.Decimal) {
	share = Bp(amount, bp)
	return share, amount.Sub(share)
}
