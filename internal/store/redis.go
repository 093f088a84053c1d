package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of market state. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) SaveChanges(ctx context.Context, c model.Changes) error {
	if err := s.primary.SaveChanges(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, stateKey(c.Market.Symbol))
	return nil
}

func (s *CachedStore) LoadState(ctx context.Context, symbol string) (*model.State, error) {
	data, err := s.rdb.Get(ctx, stateKey(symbol)).Bytes()
	if err == nil {
		var st model.State
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.LoadState(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stateKey(symbol), data, s.ttl)
	}
	return st, nil
}

// ListEvents is not cached; the event log is append-only and paged.
func (s *CachedStore) ListEvents(ctx context.Context, symbol string, afterSeq int64, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, symbol, afterSeq, limit)
}

func stateKey(symbol string) string { return fmt.Sprintf("perp:state:%s", symbol) }
