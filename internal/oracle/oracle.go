// Package oracle supplies the index price a market is anchored to.
//
// A Feed is an external input with a freshness contract: a reading older
// than MaxAge, or any reading from an inactive feed, must not be used to
// price a trade.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStale is returned when the latest reading is older than MaxAge.
	ErrStale = errors.New("oracle: price is stale")

	// ErrInactive is returned when the feed reports itself inactive.
	ErrInactive = errors.New("oracle: feed is inactive")

	// ErrInvalidPrice is returned for a non-positive reading.
	ErrInvalidPrice = errors.New("oracle: price must be positive")

	// ErrNoPrice is returned before a feed has produced its first reading.
	ErrNoPrice = errors.New("oracle: no price available")
)

// Feed is the index-price capability consumed by a market.
type Feed interface {
	// Price returns the latest reading and the time it was published.
	Price(ctx context.Context) (decimal.Decimal, time.Time, error)
	// MaxAge is the oldest reading that may still be used.
	MaxAge() time.Duration
	// IsActive reports whether the feed is currently trusted.
	IsActive() bool
}

// Reading is a validated sample of a feed.
type Reading struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Age       time.Duration   `json:"age"`
}

// Read samples f and enforces its freshness contract at now.
func Read(ctx context.Context, f Feed, now time.Time) (Reading, error) {
	price, ts, err := f.Price(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("read oracle: %w", err)
	}
	if !f.IsActive() {
		return Reading{}, ErrInactive
	}
	if !price.IsPositive() {
		return Reading{}, ErrInvalidPrice
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	if maxAge := f.MaxAge(); maxAge > 0 && age > maxAge {
		return Reading{}, fmt.Errorf("%w: age %s exceeds %s", ErrStale, age.Round(time.Second), maxAge)
	}
	return Reading{Price: price, Timestamp: ts, Age: age}, nil
}
