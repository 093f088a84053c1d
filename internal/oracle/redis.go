package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisFeed reads an index price published by an external relayer into
// the hash oracle:{symbol} with the fields price, timestamp (unix seconds)
// and active ("1"/"0", "true"/"false").
type RedisFeed struct {
	rdb    redis.Cmdable
	symbol string
	maxAge time.Duration
	active atomic.Bool
}

// NewRedisFeed creates a feed for symbol. It reports inactive until the
// first successful read.
func NewRedisFeed(rdb redis.Cmdable, symbol string, maxAge time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, symbol: symbol, maxAge: maxAge}
}

func (f *RedisFeed) Price(ctx context.Context) (decimal.Decimal, time.Time, error) {
	fields, err := f.rdb.HGetAll(ctx, Key(f.symbol)).Result()
	if err != nil {
		f.active.Store(false)
		return decimal.Zero, time.Time{}, fmt.Errorf("hgetall %s: %w", Key(f.symbol), err)
	}
	price, ts, active, err := parseHash(fields)
	if err != nil {
		f.active.Store(false)
		return decimal.Zero, time.Time{}, err
	}
	f.active.Store(active)
	return price, ts, nil
}

func (f *RedisFeed) MaxAge() time.Duration {
	return f.maxAge
}

// IsActive reflects the active flag of the most recent read.
func (f *RedisFeed) IsActive() bool {
	return f.active.Load()
}

// Publish writes a reading in the format RedisFeed consumes.
func Publish(ctx context.Context, rdb redis.Cmdable, symbol string, price decimal.Decimal, ts time.Time, active bool) error {
	return rdb.HSet(ctx, Key(symbol), encodeHash(price, ts, active)).Err()
}

// Key returns the Redis hash holding symbol's reading.
func Key(symbol string) string { return fmt.Sprintf("oracle:%s", symbol) }

func encodeHash(price decimal.Decimal, ts time.Time, active bool) map[string]interface{} {
	flag := "0"
	if active {
		flag = "1"
	}
	return map[string]interface{}{
		"price":     price.String(),
		"timestamp": strconv.FormatInt(ts.Unix(), 10),
		"active":    flag,
	}
}

func parseHash(fields map[string]string) (decimal.Decimal, time.Time, bool, error) {
	if len(fields) == 0 {
		return decimal.Zero, time.Time{}, false, ErrNoPrice
	}
	raw, ok := fields["price"]
	if !ok {
		return decimal.Zero, time.Time{}, false, errors.New("oracle: missing price field")
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("oracle: parse price %q: %w", raw, err)
	}
	secs, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("oracle: parse timestamp %q: %w", fields["timestamp"], err)
	}
	active := true
	if v, ok := fields["active"]; ok {
		active, err = strconv.ParseBool(v)
		if err != nil {
			return decimal.Zero, time.Time{}, false, fmt.Errorf("oracle: parse active %q: %w", v, err)
		}
	}
	return price, time.Unix(secs, 0).UTC(), active, nil
}
