package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*memMarket
}

type memMarket struct {
	state     model.State
	accounts  map[string]model.MarginAccount
	positions map[uuid.UUID]model.Position
	events    []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markets: make(map[string]*memMarket)}
}

func (s *MemoryStore) SaveChanges(_ context.Context, c model.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[c.Market.Symbol]
	if !ok {
		m = &memMarket{
			accounts:  make(map[string]model.MarginAccount),
			positions: make(map[uuid.UUID]model.Position),
		}
		s.markets[c.Market.Symbol] = m
	}

	m.state.Market = c.Market
	m.state.Funding = c.Funding
	m.state.Vault = c.Vault
	for _, a := range c.Accounts {
		m.accounts[a.Account] = a
	}
	for _, p := range c.Positions {
		m.positions[p.ID] = p
	}
	for _, ev := range c.Events {
		m.events = append(m.events, copyEvent(ev))
		if ev.Seq > m.state.EventSeq {
			m.state.EventSeq = ev.Seq
		}
	}
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, symbol string) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[symbol]
	if !ok {
		return nil, ErrNotFound
	}

	st := m.state
	st.Accounts = make([]model.MarginAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		st.Accounts = append(st.Accounts, a)
	}
	st.Positions = make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		st.Positions = append(st.Positions, p)
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Account < st.Accounts[j].Account })
	sort.Slice(st.Positions, func(i, j int) bool {
		if !st.Positions[i].OpenedAt.Equal(st.Positions[j].OpenedAt) {
			return st.Positions[i].OpenedAt.Before(st.Positions[j].OpenedAt)
		}
		return st.Positions[i].ID.String() < st.Positions[j].ID.String()
	})
	return &st, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, symbol string, afterSeq int64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Event{}
	m, ok := s.markets[symbol]
	if !ok {
		return result, nil
	}
	limit = clampLimit(limit)
	// Events are appended in commit order, so Seq is ascending.
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > afterSeq })
	for ; i < len(m.events) && len(result) < limit; i++ {
		result = append(result, copyEvent(m.events[i]))
	}
	return result, nil
}

// copyEvent detaches the data map so callers cannot mutate stored events.
func copyEvent(ev model.Event) model.Event {
	if ev.Data != nil {
		data := make(map[string]decimal.Decimal, len(ev.Data))
		for k, v := range ev.Data {
			data[k] = v
		}
		ev.Data = data
	}
	return ev
}
