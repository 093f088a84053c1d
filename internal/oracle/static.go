package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticFeed is an in-process feed whose reading is set by the caller.
// It backs the admin price route and tests.
type StaticFeed struct {
	mu     sync.RWMutex
	price  decimal.Decimal
	ts     time.Time
	active bool
	maxAge time.Duration
}

// NewStaticFeed creates an active feed with an initial reading.
func NewStaticFeed(price decimal.Decimal, ts time.Time, maxAge time.Duration) *StaticFeed {
	return &StaticFeed{
		price:  price,
		ts:     ts,
		active: true,
		maxAge: maxAge,
	}
}

// Set publishes a new reading.
func (f *StaticFeed) Set(price decimal.Decimal, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
	f.ts = ts
}

// SetActive toggles the feed.
func (f *StaticFeed) SetActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *StaticFeed) Price(_ context.Context) (decimal.Decimal, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.ts.IsZero() {
		return decimal.Zero, time.Time{}, ErrNoPrice
	}
	return f.price, f.ts, nil
}

func (f *StaticFeed) MaxAge() time.Duration {
	return f.maxAge
}

func (f *StaticFeed) IsActive() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}
