// Package funding advances the market-wide funding accumulator that keeps
// the vAMM mark price anchored to the oracle index price.
//
// Each update samples the premium (mark - index) / index, derives an hourly
// rate premium / PeriodHours clamped to ±MaxRate, and accrues it over the
// hours elapsed since the last update. Several missed intervals are caught
// up in a single call.
//
// Two accumulators are kept. Index sums |rate| * hours * indexPrice and
// never decreases. Cumulative sums the signed rate and is what positions
// settle against, so a positive rate makes longs pay and shorts receive.
package funding

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInvalidParams is returned for a non-positive interval, period or
	// maximum rate.
	ErrInvalidParams = errors.New("funding: invalid parameters")

	// ErrInvalidIndexPrice is returned when the index price is not positive.
	ErrInvalidIndexPrice = errors.New("funding: index price must be positive")
)

var hour = decimal.NewFromInt(int64(time.Hour))

// Params configures the funding engine.
type Params struct {
	Interval    time.Duration   // minimum time between updates
	PeriodHours decimal.Decimal // the premium is spread over this many hours
	MaxRate     decimal.Decimal // absolute cap on the hourly rate
}

// DefaultParams returns hourly updates, a 24h premium period and a 0.1%
// hourly cap.
func DefaultParams() Params {
	return Params{
		Interval:    time.Hour,
		PeriodHours: decimal.NewFromInt(24),
		MaxRate:     decimal.NewFromFloat(0.001),
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.Interval <= 0 || !p.PeriodHours.IsPositive() || !p.MaxRate.IsPositive() {
		return ErrInvalidParams
	}
	return nil
}

// Phase is the funding state machine position.
type Phase int

const (
	// Settled means the last update is younger than the interval.
	Settled Phase = iota
	// Due means an update may run.
	Due
)

func (p Phase) String() string {
	switch p {
	case Settled:
		return "Settled"
	case Due:
		return "Due"
	default:
		return "Unknown"
	}
}

// PhaseAt returns the state machine phase at now.
func (p Params) PhaseAt(s model.FundingState, now time.Time) Phase {
	if now.Sub(s.LastFundingTime) < p.Interval {
		return Settled
	}
	return Due
}

// NewState returns a zeroed accumulator whose clock starts at now.
func NewState(now time.Time) model.FundingState {
	return model.FundingState{
		Rate:            decimal.Zero,
		Index:           decimal.Zero,
		Cumulative:      decimal.Zero,
		PremiumFraction: decimal.Zero,
		LastMarkPrice:   decimal.Zero,
		LastIndexPrice:  decimal.Zero,
		LastFundingTime: now,
	}
}

// Premium returns (mark - index) / index.
func Premium(mark, index decimal.Decimal) (decimal.Decimal, error) {
	if !index.IsPositive() {
		return decimal.Zero, ErrInvalidIndexPrice
	}
	return mark.Sub(index).Div(index), nil
}

// Rate derives the clamped hourly rate for a premium.
func (p Params) Rate(premium decimal.Decimal) decimal.Decimal {
	rate := premium.Div(p.PeriodHours)
	if rate.GreaterThan(p.MaxRate) {
		return p.MaxRate
	}
	if rate.LessThan(p.MaxRate.Neg()) {
		return p.MaxRate.Neg()
	}
	return rate
}

// Update advances s to now. It returns s unchanged and false while the
// state is Settled.
func (p Params) Update(s model.FundingState, mark, index decimal.Decimal, now time.Time) (model.FundingState, bool, error) {
	if p.PhaseAt(s, now) == Settled {
		return s, false, nil
	}

	premium, err := Premium(mark, index)
	if err != nil {
		return s, false, err
	}
	rate := p.Rate(premium)
	hours := ElapsedHours(s.LastFundingTime, now)
	accrual := rate.Mul(hours).Mul(index)

	next := s
	next.Rate = rate
	next.PremiumFraction = premium
	next.Index = s.Index.Add(accrual.Abs())
	next.Cumulative = s.Cumulative.Add(accrual)
	next.LastMarkPrice = mark
	next.LastIndexPrice = index
	next.LastFundingTime = now
	return next, true, nil
}

// ElapsedHours returns the exact number of hours between from and to.
func ElapsedHours(from, to time.Time) decimal.Decimal {
	elapsed := to.Sub(from)
	if elapsed <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(elapsed)).Div(hour)
}

// Owed returns the funding a position of signed size owes since it last
// snapshotted entryCumulative. Positive means the owner pays.
func Owed(size, entryCumulative decimal.Decimal, s model.FundingState) decimal.Decimal {
	return size.Mul(s.Cumulative.Sub(entryCumulative))
}
